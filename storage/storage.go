// Package storage defines the record store the workers execute against. The
// pipeline only depends on these interfaces; engines are pluggable.
package storage

import (
	"github.com/slogdb/slog/txn"
)

// Storage is the record store of one partition. Concurrent writers to the
// same key are excluded by the scheduler's logical locks, so implementations
// only need to be safe for concurrent access to distinct keys plus
// concurrent readers.
type Storage interface {
	// Read returns the record for key, if present.
	Read(key txn.Key) (txn.Record, bool)
	// Write inserts or replaces the record for key.
	Write(key txn.Key, record txn.Record)
	// Delete removes key, reporting whether it was present.
	Delete(key txn.Key) bool
}

// MasterIndex answers mastership lookups for the forwarder without exposing
// record values.
type MasterIndex interface {
	GetMasterMetadata(key txn.Key) (txn.Metadata, bool)
}
