package batchlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/txn"
)

func TestAsyncLogInOrder(t *testing.T) {
	l := NewAsyncLog[string](0)
	l.Insert(0, "a")
	l.Insert(1, "b")

	require.True(t, l.HasNext())
	assert.Equal(t, "a", l.Next())
	require.True(t, l.HasNext())
	assert.Equal(t, "b", l.Next())
	assert.False(t, l.HasNext())
}

func TestAsyncLogOutOfOrder(t *testing.T) {
	l := NewAsyncLog[int](0)
	l.Insert(2, 22)
	assert.False(t, l.HasNext())
	l.Insert(1, 11)
	assert.False(t, l.HasNext())
	l.Insert(0, 0)

	// Delivery is strictly in slot order with no gaps.
	for _, want := range []int{0, 11, 22} {
		require.True(t, l.HasNext())
		assert.Equal(t, want, l.Next())
	}
}

func TestAsyncLogDropsStaleInsert(t *testing.T) {
	l := NewAsyncLog[int](0)
	l.Insert(0, 1)
	l.Next()

	// Below the cursor: silently dropped.
	l.Insert(0, 99)
	assert.False(t, l.HasNext())
	assert.Equal(t, 0, l.NumBuffered())
}

func TestAsyncLogStartFrom(t *testing.T) {
	l := NewAsyncLog[int](5)
	l.Insert(4, 4)
	assert.False(t, l.HasNext())
	l.Insert(5, 5)
	require.True(t, l.HasNext())
	assert.Equal(t, 5, l.Next())
}

func makeBatch(id txn.BatchID) *txn.Batch {
	return &txn.Batch{ID: id, Type: txn.SingleHome}
}

func TestBatchLogBatchBeforeSlot(t *testing.T) {
	l := NewBatchLog()
	l.AddBatch(makeBatch(1111))
	assert.False(t, l.HasNext())

	l.AddSlot(0, 1111)
	require.True(t, l.HasNext())
	slot, batch := l.Next()
	assert.Equal(t, txn.SlotID(0), slot)
	assert.Equal(t, txn.BatchID(1111), batch.ID)
}

func TestBatchLogSlotBeforeBatch(t *testing.T) {
	l := NewBatchLog()
	l.AddSlot(0, 2222)
	assert.False(t, l.HasNext())

	l.AddBatch(makeBatch(2222))
	require.True(t, l.HasNext())
	slot, batch := l.Next()
	assert.Equal(t, txn.SlotID(0), slot)
	assert.Equal(t, txn.BatchID(2222), batch.ID)
}

func TestBatchLogInterleavedSlotsAndBatches(t *testing.T) {
	l := NewBatchLog()
	l.AddSlot(2, 3000)
	l.AddSlot(0, 1000)
	l.AddBatch(makeBatch(3000))
	l.AddBatch(makeBatch(1000))
	assert.False(t, l.HasNext())

	l.AddSlot(1, 2000)
	l.AddBatch(makeBatch(2000))

	var got []txn.BatchID
	for l.HasNext() {
		_, batch := l.Next()
		got = append(got, batch.ID)
	}
	assert.Equal(t, []txn.BatchID{1000, 2000, 3000}, got)
}

func TestLocalLogSingleQueue(t *testing.T) {
	l := NewLocalLog()
	l.AddBatchID(0, 0, 100)
	l.AddSlot(0, 0)

	require.True(t, l.HasNext())
	slot, batchID := l.Next()
	assert.Equal(t, txn.SlotID(0), slot)
	assert.Equal(t, txn.BatchID(100), batchID)
}

func TestLocalLogInterleavesQueuesByDecision(t *testing.T) {
	l := NewLocalLog()
	// Two origin partitions; paxos decided 0, 1, 1, 0.
	l.AddSlot(0, 0)
	l.AddSlot(1, 1)
	l.AddSlot(2, 1)
	l.AddSlot(3, 0)

	l.AddBatchID(1, 0, 1100)
	l.AddBatchID(1, 1, 2100)
	assert.False(t, l.HasNext(), "queue 0 has not produced its first batch")

	l.AddBatchID(0, 0, 1000)
	l.AddBatchID(0, 1, 2000)

	var got []txn.BatchID
	for l.HasNext() {
		_, batchID := l.Next()
		got = append(got, batchID)
	}
	assert.Equal(t, []txn.BatchID{1000, 1100, 2100, 2000}, got)
}

func TestLocalLogOutOfOrderPositions(t *testing.T) {
	l := NewLocalLog()
	l.AddSlot(0, 7)
	l.AddBatchID(7, 1, 2007)
	assert.False(t, l.HasNext())

	l.AddBatchID(7, 0, 1007)
	require.True(t, l.HasNext())
	_, batchID := l.Next()
	assert.Equal(t, txn.BatchID(1007), batchID)
	assert.False(t, l.HasNext(), "second batch needs another slot decision")
}
