package transaction

import (
	"sync"
	"time"
)

type fifoEntry[V any] struct {
	val V
	at  time.Time
	seq uint64
}

type fifoKey[K comparable] struct {
	key K
	seq uint64
}

type fifoShard[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]fifoEntry[V]
	order []fifoKey[K]
	seq   uint64
}

// shardedFIFO is a bounded map evicting its oldest insertions first. Each
// shard is locked on its own and holds at most perShard entries.
type shardedFIFO[K comparable, V any] struct {
	shards   []*fifoShard[K, V]
	hash     func(K) uint64
	perShard int
}

func newShardedFIFO[K comparable, V any](shards, capacity int, hash func(K) uint64) *shardedFIFO[K, V] {
	if shards <= 0 {
		shards = 16
	}
	per := (capacity + shards - 1) / shards
	if per < 1 {
		per = 1
	}
	f := &shardedFIFO[K, V]{shards: make([]*fifoShard[K, V], shards), hash: hash, perShard: per}
	for i := range f.shards {
		f.shards[i] = &fifoShard[K, V]{items: make(map[K]fifoEntry[V])}
	}
	return f
}

func (f *shardedFIFO[K, V]) shard(k K) *fifoShard[K, V] {
	return f.shards[f.hash(k)%uint64(len(f.shards))]
}

// Put inserts or replaces k. A replaced entry keeps its position.
func (f *shardedFIFO[K, V]) Put(k K, v V, now time.Time) (evicted int) {
	sh := f.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.items[k]; ok {
		e.val = v
		sh.items[k] = e
		return 0
	}
	sh.seq++
	sh.items[k] = fifoEntry[V]{val: v, at: now, seq: sh.seq}
	sh.order = append(sh.order, fifoKey[K]{key: k, seq: sh.seq})

	for len(sh.items) > f.perShard && len(sh.order) > 0 {
		head := sh.order[0]
		sh.order = sh.order[1:]
		if e, ok := sh.items[head.key]; ok && e.seq == head.seq {
			delete(sh.items, head.key)
			evicted++
		}
	}
	sh.compactLocked()
	return evicted
}

// Get returns the value stored under k.
func (f *shardedFIFO[K, V]) Get(k K) (V, bool) {
	sh := f.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.items[k]
	return e.val, ok
}

// Delete removes k.
func (f *shardedFIFO[K, V]) Delete(k K) {
	sh := f.shard(k)
	sh.mu.Lock()
	delete(sh.items, k)
	sh.compactLocked()
	sh.mu.Unlock()
}

// RemoveIf deletes every entry fn selects and returns how many were removed.
func (f *shardedFIFO[K, V]) RemoveIf(fn func(k K, v V, at time.Time) bool) int {
	n := 0
	for _, sh := range f.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if fn(k, e.val, e.at) {
				delete(sh.items, k)
				n++
			}
		}
		sh.compactLocked()
		sh.mu.Unlock()
	}
	return n
}

// Len returns the number of entries.
func (f *shardedFIFO[K, V]) Len() int {
	n := 0
	for _, sh := range f.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

// compactLocked drops order slots of removed entries once they dominate.
func (sh *fifoShard[K, V]) compactLocked() {
	if len(sh.order) <= 2*len(sh.items)+16 {
		return
	}
	live := make([]fifoKey[K], 0, len(sh.items))
	for _, fk := range sh.order {
		if e, ok := sh.items[fk.key]; ok && e.seq == fk.seq {
			live = append(live, fk)
		}
	}
	sh.order = live
}
