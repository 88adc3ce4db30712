package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/core/storage"
)

// TxOptions configures a transaction started with Manager.Begin.
type TxOptions struct {
	Concurrency Concurrency
	Isolation   Isolation
	// Timeout bounds prepare, lock waits and the finish acknowledgement.
	// Zero uses the manager default.
	Timeout time.Duration
	// ThreadID identifies the originating thread of work. Zero assigns a
	// fresh id.
	ThreadID uint64
	// Invalidate makes backups drop written keys instead of updating them.
	Invalidate bool
	// GroupLockKey, when set, is locked instead of the individual keys.
	GroupLockKey string
}

type readRecord struct {
	value   []byte
	found   bool
	version uint64
}

// Tx is a transaction coordinated by the local node. Writes are staged in
// the transaction and shipped to their owners on Commit. A Tx is meant to be
// driven by one goroutine.
type Tx struct {
	m       *Manager
	version Version
	opts    TxOptions
	start   time.Time

	mu           sync.Mutex
	sm           stateMachine
	writes       []WriteEntry
	windex       map[string]int
	reads        map[string]readRecord
	nodes        TxNodes
	locked       []string
	rollbackOnly error
}

// Begin starts a transaction coordinated by this node.
func (m *Manager) Begin(opts TxOptions) *Tx {
	if opts.Timeout <= 0 {
		opts.Timeout = m.cfg.DefaultTimeout
	}
	if opts.ThreadID == 0 {
		opts.ThreadID = m.nextThread.Add(1)
	}
	return &Tx{
		m:       m,
		version: m.clock.Next(),
		opts:    opts,
		start:   time.Now(),
		sm:      stateMachine{state: StateActive},
		windex:  make(map[string]int),
		reads:   make(map[string]readRecord),
	}
}

// Version returns the version identifying the transaction.
func (tx *Tx) Version() Version {
	return tx.version
}

// Options returns the effective options.
func (tx *Tx) Options() TxOptions {
	return tx.opts
}

// State returns the coordinator-side state.
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.sm.state
}

// Nodes returns the participant map computed at commit, nil before.
func (tx *Tx) Nodes() TxNodes {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.nodes.clone()
}

// Writes returns a copy of the write set in insertion order.
func (tx *Tx) Writes() []WriteEntry {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]WriteEntry, len(tx.writes))
	for i, e := range tx.writes {
		out[i] = e.clone()
	}
	return out
}

// Get reads key, seeing the transaction's own writes first. Under
// REPEATABLE_READ and SERIALIZABLE the first read of a key is remembered and
// returned again.
func (tx *Tx) Get(key string) ([]byte, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.sm.state != StateActive {
		return nil, false, fmt.Errorf("%w: read in state %s", ErrTxTerminal, tx.sm.state)
	}
	if i, ok := tx.windex[key]; ok {
		e := tx.writes[i]
		if e.Op == storage.OpDelete {
			return nil, false, nil
		}
		return append([]byte(nil), e.Value...), true, nil
	}
	if r, ok := tx.reads[key]; ok {
		return append([]byte(nil), r.value...), r.found, nil
	}
	it, found := tx.m.store.Get(key)
	if tx.opts.Isolation != ReadCommitted {
		tx.reads[key] = readRecord{value: append([]byte(nil), it.Value...), found: found, version: it.Version}
	}
	return it.Value, found, nil
}

// Put stages a write of value to key.
func (tx *Tx) Put(ctx context.Context, key string, value []byte) error {
	return tx.stage(ctx, storage.OpPut, key, value)
}

// Delete stages a removal of key.
func (tx *Tx) Delete(ctx context.Context, key string) error {
	return tx.stage(ctx, storage.OpDelete, key, nil)
}

func (tx *Tx) stage(ctx context.Context, op storage.Op, key string, value []byte) error {
	tx.mu.Lock()
	if tx.sm.state != StateActive {
		st := tx.sm.state
		tx.mu.Unlock()
		return fmt.Errorf("%w: write in state %s", ErrTxTerminal, st)
	}
	if tx.rollbackOnly != nil {
		err := tx.rollbackOnly
		tx.mu.Unlock()
		return err
	}
	tx.mu.Unlock()

	if tx.opts.Concurrency == Pessimistic {
		if err := tx.lockLocal(ctx, key); err != nil {
			tx.mu.Lock()
			tx.rollbackOnly = err
			tx.mu.Unlock()
			return err
		}
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	e := WriteEntry{Op: op, Key: key}
	if value != nil {
		e.Value = append([]byte(nil), value...)
	}
	if r, ok := tx.reads[key]; ok && tx.opts.Concurrency == Optimistic && tx.opts.Isolation == Serializable {
		e.ReadVersion = r.version
		e.Validate = true
	}
	if i, ok := tx.windex[key]; ok {
		if tx.writes[i].Validate && !e.Validate {
			e.ReadVersion, e.Validate = tx.writes[i].ReadVersion, true
		}
		tx.writes[i] = e
		return nil
	}
	tx.windex[key] = len(tx.writes)
	tx.writes = append(tx.writes, e)
	return nil
}

// lockLocal takes the lock of key right away when this node is its primary.
// Keys owned elsewhere are locked by their primary at prepare.
func (tx *Tx) lockLocal(ctx context.Context, key string) error {
	m := tx.m
	if m.affinity != nil {
		if primary, _, ok := m.affinity.Owners(key); !ok || primary != m.cfg.NodeID {
			return nil
		}
	}
	lockKey := key
	if tx.opts.GroupLockKey != "" {
		lockKey = tx.opts.GroupLockKey
	}
	ctx, cancel := context.WithTimeout(ctx, tx.opts.Timeout)
	defer cancel()
	if err := m.locks.Lock(ctx, lockKey, tx.version); err != nil {
		return err
	}
	tx.mu.Lock()
	if !contains(tx.locked, lockKey) {
		tx.locked = append(tx.locked, lockKey)
	}
	tx.mu.Unlock()
	return nil
}

// Commit runs two-phase commit and returns once the outcome is known. A
// rolled back transaction returns a *RollbackError.
func (tx *Tx) Commit(ctx context.Context) error {
	return tx.m.commit(ctx, tx)
}

// Rollback discards the transaction. Rolling back twice is a no-op.
func (tx *Tx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	st := tx.sm.state
	tx.mu.Unlock()
	switch st {
	case StateRolledBack:
		return nil
	case StateCommitted:
		return fmt.Errorf("%w: %s is committed", ErrTxTerminal, tx.version)
	}
	return tx.m.rollbackTx(ctx, tx, nil, nil)
}

func (tx *Tx) transition(states ...State) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, s := range states {
		if err := tx.sm.transition(s); err != nil {
			return err
		}
	}
	return nil
}
