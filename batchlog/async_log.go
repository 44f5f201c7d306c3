// Package batchlog provides the ordered-delivery helpers of the pipeline:
// an out-of-order-insert, in-order-consume log and the batch interleaving
// structures built on it.
package batchlog

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// AsyncLog accepts items at arbitrary slot numbers and releases them strictly
// in slot order. Inserting below the consumption cursor is a silent no-op;
// inserting twice at the same slot is an invariant violation.
type AsyncLog[T any] struct {
	items map[uint64]T
	next  uint64
}

// NewAsyncLog returns a log whose first deliverable slot is startFrom.
func NewAsyncLog[T any](startFrom uint64) *AsyncLog[T] {
	return &AsyncLog[T]{items: make(map[uint64]T), next: startFrom}
}

// Insert places item at the given slot.
func (l *AsyncLog[T]) Insert(slot uint64, item T) {
	if slot < l.next {
		return
	}
	if _, ok := l.items[slot]; ok {
		log.Fatal("log slot has already been taken", zap.Uint64("slot", slot))
	}
	l.items[slot] = item
}

// HasNext reports whether the item at the consumption cursor has arrived.
func (l *AsyncLog[T]) HasNext() bool {
	_, ok := l.items[l.next]
	return ok
}

// Peek returns the next item without consuming it. Only valid after HasNext.
func (l *AsyncLog[T]) Peek() T {
	return l.items[l.next]
}

// Next consumes and returns the item at the cursor, advancing it.
func (l *AsyncLog[T]) Next() T {
	item, ok := l.items[l.next]
	if !ok {
		log.Fatal("next log item does not exist", zap.Uint64("slot", l.next))
	}
	delete(l.items, l.next)
	l.next++
	return item
}

// Cursor returns the slot the next consumed item will come from.
func (l *AsyncLog[T]) Cursor() uint64 { return l.next }

// NumBuffered returns the number of items awaiting consumption.
func (l *AsyncLog[T]) NumBuffered() int { return len(l.items) }
