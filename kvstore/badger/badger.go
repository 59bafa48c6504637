// Package badger backs kvstore.KVStore with BadgerDB. BadgerDB has no
// native column-family concept, so each column family is simulated by
// prefixing keys with `cf\x00`; the default column uses no prefix.
package badger

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Store is a BadgerDB-backed implementation of kvstore.KVStore.
type Store struct {
	db *badger.DB
}

// Config holds configuration for BadgerDB.
type Config struct {
	DataDir string // Directory for data storage
}

// New creates a new BadgerDB-backed KVStore.
func New(config *Config) (*Store, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required")
	}

	opts := badger.DefaultOptions(config.DataDir)
	opts = opts.WithLogger(nil) // Disable badger's verbose logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &Store{db: db}, nil
}

func cfKey(cf string, key []byte) []byte {
	if cf == "" {
		return key
	}
	out := make([]byte, 0, len(cf)+1+len(key))
	out = append(out, cf...)
	out = append(out, 0)
	out = append(out, key...)
	return out
}

// Put stores a key-value pair in the default column.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.PutCF(ctx, "", key, value)
}

// PutWithTTL stores a key-value pair with a time-to-live. The entry is
// automatically deleted after the TTL expires.
func (s *Store) PutWithTTL(ctx context.Context, key, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, value).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// Get retrieves a value by key from the default column.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	return s.GetCF(ctx, "", key)
}

// Delete removes a key-value pair from the default column.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.DeleteCF(ctx, "", key)
}

// GetCF retrieves a value by key from the named column family.
func (s *Store) GetCF(ctx context.Context, cf string, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cfKey(cf, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// PutCF stores a key-value pair in the named column family.
func (s *Store) PutCF(ctx context.Context, cf string, key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cfKey(cf, key), value)
	})
}

// DeleteCF removes a key-value pair from the named column family.
func (s *Store) DeleteCF(ctx context.Context, cf string, key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cfKey(cf, key))
	})
}

// IterateCF walks keys in cf in ascending order starting at startKey.
func (s *Store) IterateCF(ctx context.Context, cf string, startKey []byte, fn func(key, value []byte) bool) error {
	prefix := []byte(cf + "\x00")
	if cf == "" {
		prefix = nil
	}
	seek := cfKey(cf, startKey)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := bytes.TrimPrefix(item.KeyCopy(nil), prefix)
			var cont bool
			err := item.Value(func(val []byte) error {
				cont = fn(k, append([]byte{}, val...))
				return nil
			})
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

// Close releases all BadgerDB resources.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RunGC runs BadgerDB garbage collection. Call periodically to reclaim
// space from deleted/updated entries (e.g. logically-rolled-back headers
// the header store no longer reads but has not physically removed).
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}
