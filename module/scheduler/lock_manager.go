// Package scheduler contains the deterministic scheduling core: the lock
// manager, the remaster manager, the workers, and the scheduler loop that
// drives them against the local log.
package scheduler

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/txn"
)

// LockMode is the mode a transaction holds or requests on a key.
type LockMode int

const (
	Unlocked LockMode = iota
	ReadLock
	WriteLock
)

// LockTableSizeLimit caps the lock table: unlocked entries are evicted once
// the table grows past it.
const LockTableSizeLimit = 1000000

// LockState is the locking state of one key: current holders, and a FIFO
// queue of waiters recorded with their requested mode.
type LockState struct {
	mode    LockMode
	holders map[txn.TxnID]struct{}
	waiters map[txn.TxnID]struct{}
	queue   []waiterEntry
}

type waiterEntry struct {
	txnID txn.TxnID
	mode  LockMode
}

func newLockState() *LockState {
	return &LockState{
		holders: make(map[txn.TxnID]struct{}),
		waiters: make(map[txn.TxnID]struct{}),
	}
}

// AcquireReadLock grants the read lock if the key is unlocked, or shared and
// nobody is queued ahead. Otherwise the transaction queues up.
func (s *LockState) AcquireReadLock(id txn.TxnID) bool {
	switch s.mode {
	case Unlocked:
		s.holders[id] = struct{}{}
		s.mode = ReadLock
		return true
	case ReadLock:
		if len(s.waiters) == 0 {
			s.holders[id] = struct{}{}
			return true
		}
	}
	s.waiters[id] = struct{}{}
	s.queue = append(s.queue, waiterEntry{txnID: id, mode: ReadLock})
	return false
}

// AcquireWriteLock grants the write lock only on an unlocked key; otherwise
// the transaction queues up as a writer.
func (s *LockState) AcquireWriteLock(id txn.TxnID) bool {
	if s.mode == Unlocked {
		s.holders[id] = struct{}{}
		s.mode = WriteLock
		return true
	}
	s.waiters[id] = struct{}{}
	s.queue = append(s.queue, waiterEntry{txnID: id, mode: WriteLock})
	return false
}

// IsQueued reports whether the transaction already holds or waits for this
// key, making repeated acquisition attempts idempotent.
func (s *LockState) IsQueued(id txn.TxnID) bool {
	_, holding := s.holders[id]
	_, waiting := s.waiters[id]
	return holding || waiting
}

// Release removes the transaction from this key and promotes waiters. The
// returned set holds the new lock owners, empty when no promotion happened.
func (s *LockState) Release(id txn.TxnID) map[txn.TxnID]struct{} {
	if _, holding := s.holders[id]; !holding {
		// Erase from the waiter queue, if present.
		filtered := s.queue[:0]
		for _, w := range s.queue {
			if w.txnID != id {
				filtered = append(filtered, w)
			}
		}
		s.queue = filtered
		delete(s.waiters, id)
		return nil
	}

	delete(s.holders, id)
	if len(s.holders) > 0 {
		return nil
	}
	if len(s.queue) == 0 {
		s.mode = Unlocked
		return nil
	}

	if s.queue[0].mode == ReadLock {
		// Grant the read lock to every consecutive reader at the head.
		for len(s.queue) > 0 && s.queue[0].mode == ReadLock {
			next := s.queue[0].txnID
			s.holders[next] = struct{}{}
			delete(s.waiters, next)
			s.queue = s.queue[1:]
		}
		s.mode = ReadLock
	} else {
		next := s.queue[0].txnID
		s.holders[next] = struct{}{}
		delete(s.waiters, next)
		s.queue = s.queue[1:]
		s.mode = WriteLock
	}
	return s.holders
}

// Mode returns the current lock mode.
func (s *LockState) Mode() LockMode { return s.mode }

// Holders returns the current holder set. For inspection only.
func (s *LockState) Holders() map[txn.TxnID]struct{} { return s.holders }

// Waiters returns the waiter queue. For inspection only.
func (s *LockState) Waiters() []txn.TxnID {
	ids := make([]txn.TxnID, 0, len(s.queue))
	for _, w := range s.queue {
		ids = append(ids, w.txnID)
	}
	return ids
}

// LockManager grants locks to transactions in the order they appear in the
// local log. If X requests before Y, X holds all its locks before Y does.
// Locks are data, not mutexes: the scheduler goroutine owns the table.
type LockManager struct {
	conf           *config.Config
	lockTable      map[txn.Key]*LockState
	numLocksWaited map[txn.TxnID]int
	tableSizeLimit int
}

func NewLockManager(conf *config.Config) *LockManager {
	return &LockManager{
		conf:           conf,
		lockTable:      make(map[txn.Key]*LockState),
		numLocksWaited: make(map[txn.TxnID]int),
		tableSizeLimit: LockTableSizeLimit,
	}
}

type keyMode struct {
	key  txn.Key
	mode LockMode
}

// extractKeys lists this partition's keys of the transaction with the lock
// mode each needs. A key in both sets takes a write lock.
func (lm *LockManager) extractKeys(t *txn.Transaction) []keyMode {
	var keys []keyMode
	for k := range t.ReadSet {
		if _, alsoWritten := t.WriteSet[k]; alsoWritten {
			continue
		}
		if lm.conf.KeyIsInLocalPartition(k) {
			keys = append(keys, keyMode{key: k, mode: ReadLock})
		}
	}
	for k := range t.WriteSet {
		if lm.conf.KeyIsInLocalPartition(k) {
			keys = append(keys, keyMode{key: k, mode: WriteLock})
		}
	}
	return keys
}

// RegisterTxn counts the locks the transaction needs in this partition. The
// count may already be negative from lock-only txns that acquired ahead of
// the main transaction; registration brings it back to zero when every lock
// is already held. Returns true when all locks are acquired.
func (lm *LockManager) RegisterTxn(t *txn.Transaction) bool {
	keys := lm.extractKeys(t)
	if len(keys) == 0 {
		return false
	}
	id := t.ID
	lm.numLocksWaited[id] += len(keys)
	if lm.numLocksWaited[id] == 0 {
		delete(lm.numLocksWaited, id)
		return true
	}
	return false
}

// AcquireLocks requests every lock the transaction needs in this partition,
// queueing behind current holders where necessary. Returns true when this
// call brought the transaction to holding all of its registered locks; a
// call that grants nothing new to an untracked transaction (for instance a
// lock-only re-acquiring keys another lock-only of the same txn already
// covered) reports false.
func (lm *LockManager) AcquireLocks(t *txn.Transaction) bool {
	keys := lm.extractKeys(t)
	if len(keys) == 0 {
		return false
	}
	id := t.ID
	_, tracked := lm.numLocksWaited[id]
	granted := 0
	for _, km := range keys {
		state, ok := lm.lockTable[km.key]
		if !ok {
			state = newLockState()
			lm.lockTable[km.key] = state
		}
		if state.IsQueued(id) {
			continue
		}
		var ok bool
		switch km.mode {
		case ReadLock:
			ok = state.AcquireReadLock(id)
		case WriteLock:
			ok = state.AcquireWriteLock(id)
		default:
			log.Fatal("invalid lock mode", zap.Int("mode", int(km.mode)))
		}
		if ok {
			lm.numLocksWaited[id]--
			granted++
		}
	}
	if !tracked && granted == 0 {
		return false
	}
	if lm.numLocksWaited[id] == 0 {
		delete(lm.numLocksWaited, id)
		return true
	}
	return false
}

// RegisterTxnAndAcquireLocks performs registration and acquisition in one
// step, as single-home transactions do.
func (lm *LockManager) RegisterTxnAndAcquireLocks(t *txn.Transaction) bool {
	lm.RegisterTxn(t)
	return lm.AcquireLocks(t)
}

// ReleaseLocks releases everything the transaction holds or waits for in
// this partition and returns the transactions that now hold all of their
// locks thanks to the release. The released transaction never appears in the
// result.
func (lm *LockManager) ReleaseLocks(t *txn.Transaction) []txn.TxnID {
	id := t.ID
	var ready []txn.TxnID
	for _, km := range lm.extractKeys(t) {
		state, ok := lm.lockTable[km.key]
		if !ok {
			continue
		}
		for holder := range state.Release(id) {
			lm.numLocksWaited[holder]--
			if lm.numLocksWaited[holder] == 0 {
				delete(lm.numLocksWaited, holder)
				ready = append(ready, holder)
			}
		}
		if state.Mode() == Unlocked && len(lm.lockTable) > lm.tableSizeLimit {
			delete(lm.lockTable, km.key)
		}
	}
	delete(lm.numLocksWaited, id)
	return ready
}

// Stats snapshots the lock manager for stats requests.
func (lm *LockManager) Stats(level int) map[string]interface{} {
	numLocked := 0
	for _, state := range lm.lockTable {
		if state.Mode() != Unlocked {
			numLocked++
		}
	}
	snapshot := map[string]interface{}{
		"num_locked_keys":           numLocked,
		"num_txns_waiting_for_lock": len(lm.numLocksWaited),
	}
	if level >= 2 {
		waited := make(map[txn.TxnID]int, len(lm.numLocksWaited))
		for id, n := range lm.numLocksWaited {
			waited[id] = n
		}
		snapshot["num_locks_waited_per_txn"] = waited
	}
	return snapshot
}
