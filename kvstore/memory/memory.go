// Package memory is an in-memory kvstore.KVStore without durability,
// used by the header store's tests.
package memory

import (
	"context"
	"sort"
	"sync"
)

// Store is an in-memory implementation of kvstore.KVStore.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte // key: cf + "\x00" + rawKey
}

// New creates a new in-memory KVStore.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func cfKey(cf string, key []byte) string {
	return cf + "\x00" + string(key)
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.PutCF(ctx, "", key, value)
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	return s.GetCF(ctx, "", key)
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.DeleteCF(ctx, "", key)
}

func (s *Store) GetCF(ctx context.Context, cf string, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[cfKey(cf, key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) PutCF(ctx context.Context, cf string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[cfKey(cf, key)] = cp
	return nil
}

func (s *Store) DeleteCF(ctx context.Context, cf string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, cfKey(cf, key))
	return nil
}

func (s *Store) IterateCF(ctx context.Context, cf string, startKey []byte, fn func(key, value []byte) bool) error {
	prefix := cf + "\x00"
	start := cfKey(cf, startKey)

	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && k >= start {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	type kv struct {
		k, v string
	}
	snapshot := make([]kv, 0, len(keys))
	for _, k := range keys {
		snapshot = append(snapshot, kv{k: k, v: string(s.data[k])})
	}
	s.mu.RUnlock()

	for _, e := range snapshot {
		rawKey := []byte(e.k[len(prefix):])
		if !fn(rawKey, []byte(e.v)) {
			break
		}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
