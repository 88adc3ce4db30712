package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type lockEntry struct {
	owner    Version
	released chan struct{}
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// LockTable holds the per-key transaction locks of a node. Conflicts are
// resolved wait-die: a requester with priority (smaller version) waits for
// the holder, any other requester fails at once with ErrConflict. Waits
// therefore only ever point from older to younger transactions and cannot
// form a cycle.
type LockTable struct {
	shards []*lockShard
}

// NewLockTable returns an empty lock table with n shards.
func NewLockTable(n int) *LockTable {
	if n <= 0 {
		n = 64
	}
	t := &LockTable{shards: make([]*lockShard, n)}
	for i := range t.shards {
		t.shards[i] = &lockShard{locks: make(map[string]*lockEntry)}
	}
	return t
}

func (t *LockTable) shard(key string) *lockShard {
	return t.shards[xxhash.Sum64String(key)%uint64(len(t.shards))]
}

// Lock acquires key for v. Locks are reentrant per version.
func (t *LockTable) Lock(ctx context.Context, key string, v Version) error {
	sh := t.shard(key)
	for {
		sh.mu.Lock()
		e, held := sh.locks[key]
		if !held {
			sh.locks[key] = &lockEntry{owner: v, released: make(chan struct{})}
			sh.mu.Unlock()
			return nil
		}
		if e.owner == v {
			sh.mu.Unlock()
			return nil
		}
		if !v.Less(e.owner) {
			owner := e.owner
			sh.mu.Unlock()
			return fmt.Errorf("%w: key %q is locked by %s", ErrConflict, key, owner)
		}
		released := e.released
		sh.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for lock on key %q", ErrTimeout, key)
		}
	}
}

// LockAll acquires keys in order. On failure the locks taken by this call
// are released again.
func (t *LockTable) LockAll(ctx context.Context, keys []string, v Version) error {
	var taken []string
	for _, k := range keys {
		if owner, ok := t.Owner(k); ok && owner == v {
			continue
		}
		if err := t.Lock(ctx, k, v); err != nil {
			t.UnlockAll(taken, v)
			return err
		}
		taken = append(taken, k)
	}
	return nil
}

// Unlock releases key if v holds it.
func (t *LockTable) Unlock(key string, v Version) bool {
	sh := t.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.locks[key]
	if !ok || e.owner != v {
		return false
	}
	delete(sh.locks, key)
	close(e.released)
	return true
}

// UnlockAll releases every key in keys held by v.
func (t *LockTable) UnlockAll(keys []string, v Version) {
	for _, k := range keys {
		t.Unlock(k, v)
	}
}

// Owner returns the version holding key.
func (t *LockTable) Owner(key string) (Version, bool) {
	sh := t.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.locks[key]
	if !ok {
		return Version{}, false
	}
	return e.owner, true
}
