package txn

// LockOnlyProjection projects a multi-home transaction onto one replica: the
// subset of its keys mastered there, with matching metadata. Returns nil if
// the projection is empty.
//
// A remaster is special-cased: the new master's projection would be empty
// under the metadata rule (the key's metadata still names the old master),
// yet the new master's log must order the remaster and lock the key there.
// That projection is a full copy flagged IsNewMasterLockOnly.
func LockOnlyProjection(t *Transaction, replica uint32) *Transaction {
	if t.Remaster != nil && t.Remaster.NewMaster == replica {
		lo := t.Clone()
		lo.Type = LockOnly
		lo.Home = replica
		lo.Remaster.IsNewMasterLockOnly = true
		return lo
	}

	lo := &Transaction{
		ID:                 t.ID,
		Type:               LockOnly,
		Home:               replica,
		ReadSet:            make(map[Key]Value),
		WriteSet:           make(map[Key]Value),
		MasterMetadata:     make(map[Key]Metadata),
		CoordinatingServer: t.CoordinatingServer,
	}
	if t.Remaster != nil {
		r := *t.Remaster
		lo.Remaster = &r
	}
	for k, v := range t.ReadSet {
		if meta, ok := t.MasterMetadata[k]; ok && meta.Master == replica {
			lo.ReadSet[k] = v
			lo.MasterMetadata[k] = meta
		}
	}
	for k, v := range t.WriteSet {
		if meta, ok := t.MasterMetadata[k]; ok && meta.Master == replica {
			lo.WriteSet[k] = v
			lo.MasterMetadata[k] = meta
		}
	}
	if len(lo.ReadSet) == 0 && len(lo.WriteSet) == 0 {
		return nil
	}
	return lo
}
