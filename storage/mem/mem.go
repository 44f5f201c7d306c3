// Package mem is the default in-memory storage engine.
package mem

import (
	"sync"

	"github.com/google/btree"

	"github.com/slogdb/slog/txn"
)

const btreeDegree = 32

type item struct {
	key    txn.Key
	record txn.Record
}

func (i item) Less(other btree.Item) bool {
	return i.key < other.(item).key
}

// Store keeps records in an ordered in-memory tree. It satisfies both
// storage.Storage and storage.MasterIndex.
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

func NewStore() *Store {
	return &Store{tree: btree.New(btreeDegree)}
}

func (s *Store) Read(key txn.Key) (txn.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	got := s.tree.Get(item{key: key})
	if got == nil {
		return txn.Record{}, false
	}
	return got.(item).record, true
}

func (s *Store) Write(key txn.Key, record txn.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(item{key: key, record: record})
}

func (s *Store) Delete(key txn.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Delete(item{key: key}) != nil
}

func (s *Store) GetMasterMetadata(key txn.Key) (txn.Metadata, bool) {
	rec, ok := s.Read(key)
	if !ok {
		return txn.Metadata{}, false
	}
	return rec.Metadata, true
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
