package batchlog

import (
	"github.com/slogdb/slog/txn"
)

type slotBatchID struct {
	Slot    txn.SlotID
	BatchID txn.BatchID
}

// LocalLog decides the replica-wide order of single-home batches. Each origin
// partition feeds a queue of batch ids in per-origin order; the local paxos
// decisions name, per slot, the queue to dequeue from next. Every machine
// driven by the same decisions dequeues the same batch at the same slot.
type LocalLog struct {
	slots       *AsyncLog[uint32]
	batchQueues map[uint32]*AsyncLog[txn.BatchID]
	ready       []slotBatchID
}

func NewLocalLog() *LocalLog {
	return &LocalLog{
		slots:       NewAsyncLog[uint32](0),
		batchQueues: make(map[uint32]*AsyncLog[txn.BatchID]),
	}
}

// AddBatchID appends a batch id at the given per-origin position of queueID.
func (l *LocalLog) AddBatchID(queueID uint32, position uint64, batchID txn.BatchID) {
	q, ok := l.batchQueues[queueID]
	if !ok {
		q = NewAsyncLog[txn.BatchID](0)
		l.batchQueues[queueID] = q
	}
	q.Insert(position, batchID)
	l.updateReady()
}

// AddSlot records the paxos decision that slot slotID dequeues from queueID.
func (l *LocalLog) AddSlot(slotID txn.SlotID, queueID uint32) {
	l.slots.Insert(uint64(slotID), queueID)
	l.updateReady()
}

func (l *LocalLog) HasNext() bool { return len(l.ready) > 0 }

func (l *LocalLog) Next() (txn.SlotID, txn.BatchID) {
	head := l.ready[0]
	l.ready = l.ready[1:]
	return head.Slot, head.BatchID
}

// NumBufferedSlots returns the number of slot decisions not yet consumed.
func (l *LocalLog) NumBufferedSlots() int { return l.slots.NumBuffered() }

// NumBufferedBatchesPerQueue reports queue backlogs, for stats.
func (l *LocalLog) NumBufferedBatchesPerQueue() map[uint32]int {
	sizes := make(map[uint32]int, len(l.batchQueues))
	for id, q := range l.batchQueues {
		sizes[id] = q.NumBuffered()
	}
	return sizes
}

func (l *LocalLog) updateReady() {
	for l.slots.HasNext() {
		queueID := l.slots.Peek()
		q, ok := l.batchQueues[queueID]
		if !ok || !q.HasNext() {
			return
		}
		slot := txn.SlotID(l.slots.next)
		l.slots.Next()
		l.ready = append(l.ready, slotBatchID{Slot: slot, BatchID: q.Next()})
	}
}
