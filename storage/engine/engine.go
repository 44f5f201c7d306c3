// Package engine is the persistent storage engine on badger.
package engine

import (
	"bytes"
	"encoding/gob"
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/slogdb/slog/txn"
)

// Engine stores records in a badger database. Records are gob-encoded; the
// mastership metadata rides in the same value as the data so that a record
// read is a single point lookup.
type Engine struct {
	db   *badger.DB
	path string
}

// Open creates or reopens a badger-backed engine at path.
func Open(path string) (*Engine, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{db: db, path: path}, nil
}

func (e *Engine) Close() error {
	return errors.Trace(e.db.Close())
}

// Path returns the directory holding the database.
func (e *Engine) Path() string { return e.path }

func (e *Engine) Read(key txn.Key) (txn.Record, bool) {
	var record txn.Record
	found := false
	err := e.db.View(func(t *badger.Txn) error {
		item, err := t.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		if err := decodeRecord(val, &record); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		log.Fatal("storage read failed", zap.String("key", key), zap.Error(err))
	}
	return record, found
}

func (e *Engine) Write(key txn.Key, record txn.Record) {
	val, err := encodeRecord(record)
	if err == nil {
		err = e.db.Update(func(t *badger.Txn) error {
			return t.Set([]byte(key), val)
		})
	}
	if err != nil {
		log.Fatal("storage write failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) Delete(key txn.Key) bool {
	_, found := e.Read(key)
	if !found {
		return false
	}
	err := e.db.Update(func(t *badger.Txn) error {
		return t.Delete([]byte(key))
	})
	if err != nil {
		log.Fatal("storage delete failed", zap.String("key", key), zap.Error(err))
	}
	return true
}

func (e *Engine) GetMasterMetadata(key txn.Key) (txn.Metadata, bool) {
	rec, ok := e.Read(key)
	if !ok {
		return txn.Metadata{}, false
	}
	return rec.Metadata, true
}

func encodeRecord(record txn.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(record); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(val []byte, record *txn.Record) error {
	return errors.Trace(gob.NewDecoder(bytes.NewReader(val)).Decode(record))
}
