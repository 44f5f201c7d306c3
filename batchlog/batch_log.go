package batchlog

import (
	"github.com/slogdb/slog/txn"
)

type slotBatch struct {
	Slot  txn.SlotID
	Batch *txn.Batch
}

// BatchLog pairs a slot sequence with a buffer of batch data so that batches
// can be released in slot order no matter whether the data or the order for a
// batch arrives first.
type BatchLog struct {
	slots   *AsyncLog[txn.BatchID]
	batches map[txn.BatchID]*txn.Batch
	ready   []slotBatch
}

func NewBatchLog() *BatchLog {
	return &BatchLog{
		slots:   NewAsyncLog[txn.BatchID](0),
		batches: make(map[txn.BatchID]*txn.Batch),
	}
}

// AddBatch buffers batch data until its slot is known.
func (b *BatchLog) AddBatch(batch *txn.Batch) {
	b.batches[batch.ID] = batch
	b.updateReady()
}

// AddSlot records that slot slotID is occupied by batch batchID.
func (b *BatchLog) AddSlot(slotID txn.SlotID, batchID txn.BatchID) {
	b.slots.Insert(uint64(slotID), batchID)
	b.updateReady()
}

// HasNext reports whether a batch can be released.
func (b *BatchLog) HasNext() bool { return len(b.ready) > 0 }

// Next releases the next batch in slot order.
func (b *BatchLog) Next() (txn.SlotID, *txn.Batch) {
	head := b.ready[0]
	b.ready = b.ready[1:]
	return head.Slot, head.Batch
}

// NumBufferedSlots returns the number of recorded slots not yet released.
func (b *BatchLog) NumBufferedSlots() int { return b.slots.NumBuffered() }

// NumBufferedBatches returns the number of received batches not yet released.
func (b *BatchLog) NumBufferedBatches() int { return len(b.batches) }

func (b *BatchLog) updateReady() {
	for b.slots.HasNext() {
		nextID := b.slots.Peek()
		batch, ok := b.batches[nextID]
		if !ok {
			return
		}
		slot := txn.SlotID(b.slots.next)
		b.slots.Next()
		delete(b.batches, nextID)
		b.ready = append(b.ready, slotBatch{Slot: slot, Batch: batch})
	}
}
