package txn

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Holder bundles a transaction identity on the scheduler: the main
// transaction plus, for a multi-home one, the lock-only projection from each
// involved replica. The scheduler owns the holder map; other components refer
// to transactions by id only.
type Holder struct {
	id     TxnID
	main   *Transaction
	loTxns []*Transaction

	remasterKey     Key
	remasterCounter uint32
	hasRemaster     bool

	aborting      bool
	done          bool
	locksReady    bool
	numLO         int
	expectedLO    int
	numDispatches int
}

// NewHolder creates a holder from the first transaction seen for an id.
// A single-home transaction expects no lock-only arrivals. A multi-home one
// expects one per involved replica. A lock-only arriving ahead of its parent
// leaves the main slot empty until SetMain is called; until then the expected
// count is unknown and the holder cannot become ready for gc.
func NewHolder(numReplicas uint32, t *Transaction) *Holder {
	h := &Holder{
		id:     t.ID,
		loTxns: make([]*Transaction, numReplicas),
	}
	switch t.Type {
	case LockOnly:
		h.loTxns[t.Home] = t
		h.numLO = 1
		h.expectedLO = -1
	case MultiHome:
		h.main = t
		h.expectedLO = len(t.InvolvedReplicas)
	default:
		h.main = t
		h.expectedLO = 0
	}
	return h
}

// SetMain installs the main transaction into a holder created from an early
// lock-only. Returns false if a main was already set.
func (h *Holder) SetMain(t *Transaction) bool {
	if h.main != nil {
		return false
	}
	h.main = t
	if t.Type == MultiHome {
		h.expectedLO = len(t.InvolvedReplicas)
	} else {
		h.expectedLO = 0
	}
	return true
}

// AddLockOnly records a lock-only arrival. Duplicate arrivals for the same
// home are rejected.
func (h *Holder) AddLockOnly(t *Transaction) bool {
	if int(t.Home) >= len(h.loTxns) {
		log.Fatal("lock-only home out of range",
			zap.Uint64("txn", uint64(t.ID)), zap.Uint32("home", t.Home))
	}
	if h.loTxns[t.Home] != nil {
		return false
	}
	h.loTxns[t.Home] = t
	h.numLO++
	return true
}

// HasMain reports whether the main transaction has arrived.
func (h *Holder) HasMain() bool { return h.main != nil }

// Txn returns the main transaction. The main pointer stays alive until
// Release.
func (h *Holder) Txn() *Transaction {
	if h.main == nil {
		log.Fatal("holder has no main transaction", zap.Uint64("txn", uint64(h.id)))
	}
	return h.main
}

// LockOnlyTxn returns the lock-only projection from the given replica, or nil.
func (h *Holder) LockOnlyTxn(replica uint32) *Transaction { return h.loTxns[replica] }

// Release detaches and returns the main transaction. The per-replica slots
// keep their size so that late lock-only arrivals can still be counted.
func (h *Holder) Release() *Transaction {
	t := h.Txn()
	h.main = nil
	for i := range h.loTxns {
		h.loTxns[i] = nil
	}
	return t
}

func (h *Holder) ID() TxnID { return h.id }

// SetRemasterResult records the key and new counter of a committed remaster
// so the scheduler can drive the remaster manager after locks are released.
func (h *Holder) SetRemasterResult(key Key, counter uint32) {
	h.remasterKey, h.remasterCounter, h.hasRemaster = key, counter, true
}

func (h *Holder) RemasterResult() (Key, uint32, bool) {
	return h.remasterKey, h.remasterCounter, h.hasRemaster
}

// SetLocksReady records that the whole local lock set is held. Dispatch
// additionally waits for every expected lock-only to arrive.
func (h *Holder) SetLocksReady()        { h.locksReady = true }
func (h *Holder) LocksReady() bool      { return h.locksReady }
func (h *Holder) SetAborting()          { h.aborting = true }
func (h *Holder) Aborting() bool        { return h.aborting }
func (h *Holder) SetDone()              { h.done = true }
func (h *Holder) Done() bool            { return h.done }
func (h *Holder) IncDispatches()        { h.numDispatches++ }
func (h *Holder) Dispatches() int       { return h.numDispatches }
func (h *Holder) NumLockOnly() int      { return h.numLO }
func (h *Holder) ExpectedLockOnly() int { return h.expectedLO }

// ReadyForGC reports whether every expected lock-only has been accounted for
// on a finished transaction, at which point the holder can be dropped.
func (h *Holder) ReadyForGC() bool { return h.done && h.numLO == h.expectedLO }
