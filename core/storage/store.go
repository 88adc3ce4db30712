// Package storage is the node-local key/value store that committed
// transactions are applied to. Keys are spread over independently locked
// shards so unrelated writers never contend.
package storage

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

// Item is a stored value and the commit version that wrote it.
type Item struct {
	Value   []byte
	Version uint64
}

// Op is a write operation kind.
type Op uint8

const (
	OpPut Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Write is one mutation applied by Apply.
type Write struct {
	Op    Op
	Key   string
	Value []byte
}

type shard struct {
	mu    sync.RWMutex
	items map[string]Item
}

// Store is a sharded in-memory map. It is safe for concurrent use.
type Store struct {
	shards []*shard
}

// New returns an empty store with n shards (64 when n <= 0).
func New(n int) *Store {
	if n <= 0 {
		n = defaultShards
	}
	s := &Store{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]Item)}
	}
	return s
}

func (s *Store) shard(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Get returns a copy of the item stored under key.
func (s *Store) Get(key string) (Item, bool) {
	sh := s.shard(key)
	sh.mu.RLock()
	it, ok := sh.items[key]
	sh.mu.RUnlock()
	if !ok {
		return Item{}, false
	}
	it.Value = append([]byte(nil), it.Value...)
	return it, true
}

// Put stores value under key at version.
func (s *Store) Put(key string, value []byte, version uint64) {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.items[key] = Item{Value: append([]byte(nil), value...), Version: version}
	sh.mu.Unlock()
}

// Delete removes key. It reports whether the key existed.
func (s *Store) Delete(key string) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	_, ok := sh.items[key]
	delete(sh.items, key)
	sh.mu.Unlock()
	return ok
}

// Apply performs writes in order, stamping every put with version. A later
// write to the same key overrides an earlier one.
func (s *Store) Apply(writes []Write, version uint64) {
	for _, w := range writes {
		switch w.Op {
		case OpPut:
			s.Put(w.Key, w.Value, version)
		case OpDelete:
			s.Delete(w.Key)
		}
	}
}

// Len returns the number of keys.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Keys returns every key in sorted order.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.items {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}
