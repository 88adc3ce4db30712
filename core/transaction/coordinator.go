package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/pkg/future"
)

// commitPlan is the routing of a write set to its owners.
type commitPlan struct {
	nodes  TxNodes
	writes map[string][]WriteEntry

	mu sync.Mutex
	// unprepared holds nodes whose prepare was settled by their departure.
	unprepared map[string]bool
	// recovery holds primaries that left during prepare while a backup
	// stayed; their writes travel with the finish as recovery writes.
	recovery map[string]bool
}

func (p *commitPlan) markLeft(node string, primary bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unprepared[node] = true
	if primary {
		p.recovery[node] = true
	}
}

func (p *commitPlan) isUnprepared(node string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unprepared[node]
}

func (p *commitPlan) recoveryWrites() []WriteEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []WriteEntry
	for primary := range p.recovery {
		out = append(out, p.writes[primary]...)
	}
	return out
}

// mapParticipants routes every write to the primary and the live backups of
// its key. A key whose primary is gone fails the commit with ErrTopology.
func (m *Manager) mapParticipants(writes []WriteEntry) (*commitPlan, error) {
	plan := &commitPlan{
		nodes:      make(TxNodes),
		writes:     make(map[string][]WriteEntry),
		unprepared: make(map[string]bool),
		recovery:   make(map[string]bool),
	}
	for _, e := range writes {
		primary, backups := m.cfg.NodeID, []string(nil)
		if m.affinity != nil {
			var ok bool
			primary, backups, ok = m.affinity.Owners(e.Key)
			if !ok {
				return nil, fmt.Errorf("%w: no owner for key %q", ErrTopology, e.Key)
			}
		}
		if !m.nodeAlive(primary) {
			return nil, fmt.Errorf("%w: primary %s of key %q left", ErrTopology, primary, e.Key)
		}
		live := make([]string, 0, len(backups))
		for _, b := range backups {
			if b != primary && m.nodeAlive(b) {
				live = append(live, b)
			}
		}
		plan.nodes.add(primary, live)
		plan.writes[primary] = append(plan.writes[primary], e)
		for _, b := range live {
			plan.writes[b] = append(plan.writes[b], e)
		}
	}
	return plan, nil
}

// PrepareAndCommit commits tx in the background.
func (m *Manager) PrepareAndCommit(ctx context.Context, tx *Tx) *future.Future[struct{}] {
	f := future.New[struct{}]()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.commit(ctx, tx); err != nil {
			f.Fail(err)
			return
		}
		f.Complete(struct{}{})
	}()
	return f
}

// Rollback rolls tx back in the background.
func (m *Manager) Rollback(ctx context.Context, tx *Tx) *future.Future[struct{}] {
	f := future.New[struct{}]()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := tx.Rollback(ctx); err != nil {
			f.Fail(err)
			return
		}
		f.Complete(struct{}{})
	}()
	return f
}

func (m *Manager) commit(ctx context.Context, tx *Tx) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	ctx, span := m.tracer.Start(ctx, "tx.commit", trace.WithAttributes(
		attribute.String("tx.version", tx.version.String()),
		attribute.String("tx.concurrency", tx.opts.Concurrency.String()),
	))
	defer span.End()

	tx.mu.Lock()
	if cause := tx.rollbackOnly; cause != nil {
		tx.mu.Unlock()
		return m.rollbackTx(ctx, tx, nil, cause)
	}
	if err := tx.sm.transition(StatePreparing); err != nil {
		tx.mu.Unlock()
		return err
	}
	writes := make([]WriteEntry, len(tx.writes))
	copy(writes, tx.writes)
	tx.mu.Unlock()

	if len(writes) == 0 {
		_ = tx.transition(StatePrepared, StateCommitting, StateCommitted)
		m.metrics.Committed(true)
		return nil
	}

	plan, err := m.mapParticipants(writes)
	if err != nil {
		span.RecordError(err)
		return m.rollbackTx(ctx, tx, nil, err)
	}
	tx.mu.Lock()
	tx.nodes = plan.nodes
	locked := tx.locked
	tx.mu.Unlock()
	if !contains(plan.nodes.Nodes(), m.cfg.NodeID) {
		// No local participant will release eagerly taken locks.
		m.locks.UnlockAll(locked, tx.version)
	}

	prepCtx, cancel := context.WithTimeout(ctx, tx.opts.Timeout)
	err = m.prepare(prepCtx, tx, plan)
	cancel()
	if err != nil {
		span.RecordError(err)
		return m.rollbackTx(ctx, tx, plan, err)
	}
	if err := tx.transition(StatePrepared, StateCommitting); err != nil {
		return err
	}

	finCtx, cancel := context.WithTimeout(ctx, tx.opts.Timeout)
	err = m.finish(finCtx, tx, plan, true)
	cancel()
	_ = tx.transition(StateCommitted)
	m.metrics.Committed(true)
	m.metrics.CommitLatency(time.Since(tx.start))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.log.Warn("Commit not acknowledged by every participant", zap.Stringer("version", tx.version), zap.Error(err))
		return err
	}
	m.log.Debug("Transaction committed", zap.Stringer("version", tx.version),
		zap.Int("writes", len(writes)), zap.Strings("nodes", plan.nodes.Nodes()))
	return nil
}

// prepare sends the prepare requests and waits until every participant
// prepared, one failed or ctx expired.
func (m *Manager) prepare(ctx context.Context, tx *Tx, plan *commitPlan) error {
	nodes := plan.nodes.Nodes()
	ctx, span := m.tracer.Start(ctx, "tx.prepare", trace.WithAttributes(attribute.Int("tx.nodes", len(nodes))))
	defer span.End()

	futID := newID()
	comp := future.NewCompound[bool](future.NewAndReducer())
	for _, node := range nodes {
		primary := plan.nodes.IsPrimary(node)
		mi := m.addMini(futID, node, func(fut *future.Future[bool]) {
			m.onPrepareTargetLeft(tx, plan, node, primary, fut)
		})
		comp.Add(mi.fut)
		if mi.fut.IsDone() {
			continue
		}
		m.request(mi, &PrepareRequest{
			Header:       Header{Version: tx.version, FutureID: futID, MiniID: mi.id},
			ThreadID:     tx.opts.ThreadID,
			Concurrency:  tx.opts.Concurrency,
			Isolation:    tx.opts.Isolation,
			Timeout:      tx.opts.Timeout,
			GroupLockKey: tx.opts.GroupLockKey,
			Writes:       plan.writes[node],
			Nodes:        plan.nodes,
		})
	}
	comp.MarkInitialized()

	select {
	case <-comp.Done():
	case <-ctx.Done():
		comp.Cancel()
		return fmt.Errorf("%w: prepare of %s", ErrTimeout, tx.version)
	}
	ok, err, _ := comp.Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: prepare of %s not confirmed", ErrTopology, tx.version)
	}
	return nil
}

// onPrepareTargetLeft settles the prepare request to a departed node. A
// primary may only be lost while one of its backups stays to take over.
func (m *Manager) onPrepareTargetLeft(tx *Tx, plan *commitPlan, node string, primary bool, fut *future.Future[bool]) {
	if !primary {
		plan.markLeft(node, false)
		fut.Complete(true)
		return
	}
	for _, b := range plan.nodes[node] {
		if m.nodeAlive(b) {
			m.log.Info("Primary left during prepare, backup takes over",
				zap.Stringer("version", tx.version), zap.String("primary", node), zap.String("backup", b))
			plan.markLeft(node, true)
			fut.Complete(true)
			return
		}
	}
	fut.Fail(fmt.Errorf("%w: primary %s left during prepare with no live backup", ErrTopology, node))
}

// finish delivers the decision to every live participant. On commit it
// waits for the acknowledgements the sync mode requires.
func (m *Manager) finish(ctx context.Context, tx *Tx, plan *commitPlan, commit bool) error {
	ctx, span := m.tracer.Start(ctx, "tx.finish", trace.WithAttributes(attribute.Bool("tx.commit", commit)))
	defer span.End()

	var commitVersion Version
	var recovery []WriteEntry
	if commit {
		commitVersion = m.clock.Next()
		recovery = plan.recoveryWrites()
	}
	tx.mu.Lock()
	size := uint64(len(tx.writes))
	tx.mu.Unlock()

	futID := newID()
	comp := future.NewCompound[bool](future.NewAndReducer())
	for _, node := range plan.nodes.Nodes() {
		if !m.nodeAlive(node) {
			continue
		}
		primary := plan.nodes.IsPrimary(node)
		req := &FinishRequest{
			Header:        Header{Version: tx.version, FutureID: futID},
			ThreadID:      tx.opts.ThreadID,
			Commit:        commit,
			Invalidate:    tx.opts.Invalidate,
			ReplyRequired: commit && m.cfg.SyncMode.replyRequired(primary),
			CommitVersion: commitVersion,
			BaseVersion:   tx.version,
			TxSize:        size,
			GroupLockKey:  tx.opts.GroupLockKey,
		}
		if commit && plan.isUnprepared(node) {
			// A node that came back holds no staged state.
			req.Writes = plan.writes[node]
		}
		if commit {
			req.RecoveryWrites = recovery
		}
		if !req.ReplyRequired {
			if err := m.send(node, req); err != nil {
				m.log.Debug("Failed to send finish", zap.String("to", node), zap.Stringer("version", tx.version), zap.Error(err))
			}
			continue
		}
		// A participant leaving after the decision does not undo it.
		mi := m.addMini(futID, node, func(fut *future.Future[bool]) { fut.Complete(true) })
		req.MiniID = mi.id
		comp.Add(mi.fut)
		if !mi.fut.IsDone() {
			m.request(mi, req)
		}
	}
	comp.MarkInitialized()

	select {
	case <-comp.Done():
	case <-ctx.Done():
		comp.Cancel()
		return fmt.Errorf("%w: finish of %s not acknowledged", ErrTimeout, tx.version)
	}
	_, err, _ := comp.Result()
	return err
}

// rollbackTx rolls tx back and tells the participants of plan, if any. A
// nil cause is a user rollback and returns nil.
func (m *Manager) rollbackTx(ctx context.Context, tx *Tx, plan *commitPlan, cause error) error {
	tx.mu.Lock()
	if err := tx.sm.transition(StateRollingBack); err != nil {
		tx.mu.Unlock()
		return err
	}
	locked := tx.locked
	tx.locked = nil
	tx.mu.Unlock()

	m.locks.UnlockAll(locked, tx.version)
	if plan != nil {
		// Fire and forget: participants that never prepared record the
		// rollback so a late prepare is refused.
		_ = m.finish(ctx, tx, plan, false)
	}
	_ = tx.transition(StateRolledBack)

	reason := rollbackReason(cause)
	m.metrics.RolledBack(reason)
	if cause == nil {
		m.log.Debug("Transaction rolled back by user", zap.Stringer("version", tx.version))
		return nil
	}
	level := m.log.Info
	if errors.Is(cause, ErrConflict) {
		level = m.log.Debug
	}
	level("Transaction rolled back", zap.Stringer("version", tx.version), zap.String("reason", reason), zap.Error(cause))
	return &RollbackError{Version: tx.version, Reason: reason, Err: cause}
}
