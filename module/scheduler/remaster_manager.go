package scheduler

import (
	"strconv"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/config"
	"github.com/slogdb/slog/storage"
	"github.com/slogdb/slog/txn"
)

// VerifyMasterResult is the outcome of checking a transaction's mastership
// counters against storage.
type VerifyMasterResult int

const (
	// Valid: counters match, the transaction can go for locks.
	Valid VerifyMasterResult = iota
	// Waiting: the transaction observed a remaster not applied here yet; it
	// is queued until the remaster lands.
	Waiting
	// Abort: the transaction observed stale mastership.
	Abort
)

// RemasterResult lists transactions whose fate changed after a remaster or a
// release re-drove the blocked queues.
type RemasterResult struct {
	Unblocked   []*txn.Transaction
	ShouldAbort []*txn.Transaction
}

// RemasterManager holds transactions whose mastership counters run ahead of
// local storage until the matching remaster applies. One queue is kept per
// origin log; blocking the head of a queue blocks everything behind it,
// preserving the log order of each origin.
type RemasterManager struct {
	conf    *config.Config
	storage storage.Storage

	blockedQueue map[uint32][]*txn.Transaction
}

func NewRemasterManager(conf *config.Config, store storage.Storage) *RemasterManager {
	return &RemasterManager{
		conf:         conf,
		storage:      store,
		blockedQueue: make(map[uint32][]*txn.Transaction),
	}
}

// originLog identifies the log a single-home or lock-only transaction came
// through. All keys of such a transaction share a master, which is its home.
func originLog(t *txn.Transaction) uint32 { return t.Home }

// VerifyMaster checks the transaction's counters. A WAITING transaction is
// queued on its origin log; so is any transaction arriving behind a blocked
// one, to preserve per-origin order.
func (rm *RemasterManager) VerifyMaster(t *txn.Transaction) VerifyMasterResult {
	if len(rm.localKeys(t)) == 0 {
		return Valid
	}
	if len(t.MasterMetadata) == 0 {
		log.Warn("master metadata empty", zap.Uint64("txn", uint64(t.ID)))
		return Valid
	}

	origin := originLog(t)
	if len(rm.blockedQueue[origin]) > 0 {
		rm.blockedQueue[origin] = append(rm.blockedQueue[origin], t)
		return Waiting
	}

	result := rm.CheckCounters(t)
	if result == Waiting {
		rm.blockedQueue[origin] = append(rm.blockedQueue[origin], t)
	}
	return result
}

func (rm *RemasterManager) localKeys(t *txn.Transaction) []txn.Key {
	var keys []txn.Key
	for _, k := range t.Keys() {
		if rm.conf.KeyIsInLocalPartition(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// CheckCounters compares the transaction's counters for this partition's
// keys against storage, without touching any queue. An absent record counts
// as counter zero.
func (rm *RemasterManager) CheckCounters(t *txn.Transaction) VerifyMasterResult {
	for _, key := range rm.localKeys(t) {
		meta, ok := t.MasterMetadata[key]
		if !ok {
			continue
		}
		var storageCounter uint32
		record, found := rm.storage.Read(key)
		if found {
			storageCounter = record.Metadata.Counter
		}

		switch {
		case meta.Counter < storageCounter:
			return Abort
		case meta.Counter > storageCounter:
			return Waiting
		default:
			if found && meta.Master != record.Metadata.Master {
				log.Fatal("masters do not match for same key",
					zap.String("key", key),
					zap.Uint32("txn_master", meta.Master),
					zap.Uint32("storage_master", record.Metadata.Master))
			}
		}
	}
	return Valid
}

// RemasterOccurred re-drives every queue whose head references the
// remastered key: each head is unblocked, re-blocked, or marked for abort
// until a head stays blocked.
func (rm *RemasterManager) RemasterOccurred(key txn.Key, _ uint32) RemasterResult {
	var result RemasterResult
	for origin, queue := range rm.blockedQueue {
		if len(queue) == 0 {
			continue
		}
		head := queue[0]
		if head.ContainsKey(key) {
			rm.tryToUnblock(origin, &result)
		}
	}
	return result
}

func (rm *RemasterManager) tryToUnblock(origin uint32, result *RemasterResult) {
	for len(rm.blockedQueue[origin]) > 0 {
		head := rm.blockedQueue[origin][0]
		switch rm.CheckCounters(head) {
		case Waiting:
			return
		case Valid:
			result.Unblocked = append(result.Unblocked, head)
		case Abort:
			result.ShouldAbort = append(result.ShouldAbort, head)
		}
		rm.blockedQueue[origin] = rm.blockedQueue[origin][1:]
	}
}

// ReleaseTransaction removes the transaction from every queue it sits in,
// then re-drives the queues whose head changed. The released transaction is
// guaranteed not to appear in the result.
func (rm *RemasterManager) ReleaseTransaction(id txn.TxnID) RemasterResult {
	var result RemasterResult
	for origin, queue := range rm.blockedQueue {
		filtered := queue[:0]
		headChanged := false
		for i, t := range queue {
			if t.ID == id {
				if i == 0 {
					headChanged = true
				}
				continue
			}
			filtered = append(filtered, t)
		}
		rm.blockedQueue[origin] = filtered
		if headChanged {
			rm.tryToUnblock(origin, &result)
		}
	}
	return result
}

// Stats snapshots queue depths for stats requests.
func (rm *RemasterManager) Stats() map[string]int {
	depths := make(map[string]int, len(rm.blockedQueue))
	for origin, queue := range rm.blockedQueue {
		if len(queue) > 0 {
			depths[strconv.FormatUint(uint64(origin), 10)] = len(queue)
		}
	}
	return depths
}
