package txn

import (
	"github.com/pingcap/log"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// RemasterProc marks a transaction as a remaster of its single write-set key.
// IsNewMasterLockOnly is set on the lock-only copy that the new master's
// sequencer makes for itself; like every other copy it verifies the recorded
// (old) counter, which storage keeps until the remaster commits.
type RemasterProc struct {
	NewMaster           uint32
	IsNewMasterLockOnly bool
}

// Transaction is the unit of work flowing through the pipeline. The same
// struct serves as the client-facing wire object and the internal one; the
// fields from Type onward are filled in by the servers and never by clients.
type Transaction struct {
	ID       TxnID
	ReadSet  map[Key]Value
	WriteSet map[Key]Value
	// DeleteSet collects keys removed by the DEL command during execution.
	DeleteSet []Key
	Code      string
	Remaster  *RemasterProc

	MasterMetadata map[Key]Metadata

	Type               TxnType
	Home               uint32
	InvolvedReplicas   []uint32
	InvolvedPartitions []uint32
	CoordinatingServer MachineID

	Status      TxnStatus
	AbortReason string
}

// New returns a transaction over the given read and write keys. Values are
// placeholders until execution fills them in.
func New(readKeys, writeKeys []Key, code string) *Transaction {
	t := &Transaction{
		ReadSet:        make(map[Key]Value, len(readKeys)),
		WriteSet:       make(map[Key]Value, len(writeKeys)),
		Code:           code,
		MasterMetadata: make(map[Key]Metadata),
	}
	for _, k := range readKeys {
		t.ReadSet[k] = ""
	}
	for _, k := range writeKeys {
		t.WriteSet[k] = ""
	}
	return t
}

// NewRemaster returns a remaster transaction of key to newMaster.
func NewRemaster(key Key, newMaster uint32) *Transaction {
	t := New(nil, []Key{key}, "")
	t.Remaster = &RemasterProc{NewMaster: newMaster}
	return t
}

// EnsureMaps allocates any nil map field. Wire decoding drops empty maps,
// so every component that writes into a received transaction normalizes it
// first.
func (t *Transaction) EnsureMaps() {
	if t.ReadSet == nil {
		t.ReadSet = make(map[Key]Value)
	}
	if t.WriteSet == nil {
		t.WriteSet = make(map[Key]Value)
	}
	if t.MasterMetadata == nil {
		t.MasterMetadata = make(map[Key]Metadata)
	}
}

// Keys returns every key accessed by the transaction. A key in both sets
// appears once.
func (t *Transaction) Keys() []Key {
	keys := make([]Key, 0, len(t.ReadSet)+len(t.WriteSet))
	for k := range t.ReadSet {
		if _, ok := t.WriteSet[k]; !ok {
			keys = append(keys, k)
		}
	}
	for k := range t.WriteSet {
		keys = append(keys, k)
	}
	return keys
}

// ContainsKey reports whether key is in the read or write set.
func (t *Transaction) ContainsKey(key Key) bool {
	_, r := t.ReadSet[key]
	_, w := t.WriteSet[key]
	return r || w
}

// DecideType classifies the transaction from its master metadata. It stays
// UNKNOWN until every accessed key has metadata.
func (t *Transaction) DecideType() TxnType {
	for k := range t.ReadSet {
		if _, ok := t.MasterMetadata[k]; !ok {
			t.Type = Unknown
			return Unknown
		}
	}
	for k := range t.WriteSet {
		if _, ok := t.MasterMetadata[k]; !ok {
			t.Type = Unknown
			return Unknown
		}
	}

	t.Type = SingleHome
	first := true
	var home uint32
	for _, meta := range t.MasterMetadata {
		if first {
			home, first = meta.Master, false
			continue
		}
		if meta.Master != home {
			t.Type = MultiHome
			break
		}
	}
	// A remaster involves both the old and the new master region, so it is
	// always ordered as a multi-home transaction.
	if t.Remaster != nil && t.Type == SingleHome && t.Remaster.NewMaster != home {
		t.Type = MultiHome
	}
	if t.Type == SingleHome {
		t.Home = home
	}
	return t.Type
}

// Clone deep-copies the transaction.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.ReadSet = make(map[Key]Value, len(t.ReadSet))
	for k, v := range t.ReadSet {
		c.ReadSet[k] = v
	}
	c.WriteSet = make(map[Key]Value, len(t.WriteSet))
	for k, v := range t.WriteSet {
		c.WriteSet[k] = v
	}
	c.DeleteSet = append([]Key(nil), t.DeleteSet...)
	c.MasterMetadata = make(map[Key]Metadata, len(t.MasterMetadata))
	for k, m := range t.MasterMetadata {
		c.MasterMetadata[k] = m
	}
	c.InvolvedReplicas = append([]uint32(nil), t.InvolvedReplicas...)
	c.InvolvedPartitions = append([]uint32(nil), t.InvolvedPartitions...)
	if t.Remaster != nil {
		r := *t.Remaster
		c.Remaster = &r
	}
	return &c
}

// Merge folds a completed sub-transaction from another partition into t.
// ABORTED dominates COMMITTED. Conflicting values for the same key mean the
// pipeline broke determinism, which is not recoverable.
func Merge(t *Transaction, other *Transaction) error {
	if t.ID != other.ID {
		return errors.Errorf("cannot merge transactions with different ids: %d vs %d", t.ID, other.ID)
	}
	if t.Type != other.Type {
		return errors.Errorf("cannot merge transactions with different types: %v vs %v", t.Type, other.Type)
	}
	t.EnsureMaps()
	mergeSet := func(dst map[Key]Value, src map[Key]Value) {
		for k, v := range src {
			if cur, ok := dst[k]; ok {
				if cur != v {
					log.Fatal("conflicting values while merging sub-transactions",
						zap.Uint64("txn", uint64(t.ID)), zap.String("key", k))
				}
				continue
			}
			dst[k] = v
		}
	}
	mergeSet(t.ReadSet, other.ReadSet)
	mergeSet(t.WriteSet, other.WriteSet)
	t.DeleteSet = append(t.DeleteSet, other.DeleteSet...)
	if t.Status != Aborted {
		t.Status = other.Status
	}
	if other.AbortReason != "" {
		t.AbortReason = other.AbortReason
	}
	return nil
}
