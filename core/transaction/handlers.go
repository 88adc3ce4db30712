package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/messaging/wire"
)

func newID() string {
	return uuid.NewString()
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// HandleMessage processes one protocol message from a peer. It never blocks
// on lock waits: prepares run on their own goroutine.
func (m *Manager) HandleMessage(_ context.Context, from string, msg wire.Message) {
	if m.stopped.Load() {
		return
	}
	switch req := msg.(type) {
	case *PrepareRequest:
		m.onPrepareRequest(from, req)
	case *FinishRequest:
		m.onFinishRequest(from, req)
	case *CheckPreparedRequest:
		m.onCheckPreparedRequest(from, req)
	case *PrepareResponse:
		m.completeMini(req.MiniID, true, req.Err())
	case *FinishResponse:
		m.completeMini(req.MiniID, true, req.Err())
	case *CheckPreparedResponse:
		m.completeMini(req.MiniID, req.Success, nil)
	default:
		m.log.Warn("Unexpected transaction message", zap.String("from", from), zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (m *Manager) onPrepareRequest(from string, req *PrepareRequest) {
	m.clock.Observe(req.Version)
	reply := func(err error) {
		resp := &PrepareResponse{Header: req.Header, ErrKind: errKind(err), ErrMsg: errMsg(err)}
		if serr := m.send(from, resp); serr != nil {
			m.log.Debug("Failed to answer prepare", zap.String("to", from), zap.Stringer("version", req.Version), zap.Error(serr))
		}
	}

	replayed := func(rec terminalRecord) error {
		if rec.State == StateCommitted {
			return nil
		}
		return fmt.Errorf("%w: %s already rolled back here", ErrRolledBack, req.Version)
	}
	if rec, ok := m.terminal.Get(req.Version); ok {
		reply(replayed(rec))
		return
	}

	p, created := m.active.getOrCreate(req.Version, func() *participant {
		return newParticipant(m.cfg.NodeID, req, m.cfg.DefaultTimeout)
	})
	if !created {
		p.prepared.Listen(func(_ struct{}, err error) { reply(err) })
		return
	}
	// The transaction may have finished between the cache lookup and the
	// insert; its outcome is published before it leaves the index.
	// Duplicates that found p in the meantime wait on its prepared future.
	if rec, ok := m.terminal.Get(req.Version); ok {
		m.active.remove(req.Version)
		err := replayed(rec)
		if err != nil {
			p.prepared.Fail(err)
		} else {
			p.prepared.Complete(struct{}{})
		}
		reply(err)
		return
	}
	m.nodeTxs.add(p)
	m.metrics.Active(1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.prepareParticipant(p)
		reply(err)
		if err == nil && !m.nodeAlive(p.origin) {
			// The coordinator died while we were preparing.
			m.startRecovery(p, p.origin)
		}
	}()
}

// prepareParticipant locks and validates the staged writes of p. On failure
// p is rolled back before the prepared future fails.
func (m *Manager) prepareParticipant(p *participant) error {
	ctx, cancel := context.WithTimeout(m.ctx, p.timeout)
	defer cancel()

	err := m.locks.LockAll(ctx, p.lockKeys(), p.version)
	if err == nil {
		err = m.validate(p)
	}
	if err == nil {
		p.mu.Lock()
		err = p.sm.transition(StatePrepared)
		p.mu.Unlock()
	}
	if err != nil {
		m.log.Debug("Prepare failed", zap.Stringer("version", p.version), zap.Error(err))
		m.finishParticipant(p, false, finishParams{})
		m.metrics.RolledBack(rollbackReason(err))
		p.prepared.Fail(err)
		return err
	}
	m.log.Debug("Transaction prepared", zap.Stringer("version", p.version), zap.Int("writes", len(p.writes)), zap.Int("roles", p.roles))
	p.prepared.Complete(struct{}{})
	return nil
}

// validate checks that keys read by the transaction did not change since.
func (m *Manager) validate(p *participant) error {
	for _, e := range p.writes {
		if !e.Validate {
			continue
		}
		var cur uint64
		if it, ok := m.store.Get(e.Key); ok {
			cur = it.Version
		}
		if cur != e.ReadVersion {
			return fmt.Errorf("%w: key %q changed since read (version %d, read %d)", ErrConflict, e.Key, cur, e.ReadVersion)
		}
	}
	return nil
}

type finishParams struct {
	commitVersion  Version
	invalidate     bool
	recoveryWrites []WriteEntry
}

// finishParticipant moves p to its terminal state, applying the staged
// writes on commit. A second call is a no-op reporting the earlier outcome.
func (m *Manager) finishParticipant(p *participant, commit bool, fp finishParams) error {
	p.mu.Lock()
	if p.sm.state.Terminal() {
		st := p.sm.state
		p.mu.Unlock()
		return outcomeError(p.version, st, commit)
	}
	if commit {
		if err := p.sm.transition(StateCommitting); err != nil {
			p.mu.Unlock()
			return err
		}
		m.applyWrites(p.writes, fp.commitVersion, p.version, fp.invalidate)
		_ = p.sm.transition(StateCommitted)
	} else {
		if err := p.sm.transition(StateRollingBack); err != nil {
			p.mu.Unlock()
			return err
		}
		_ = p.sm.transition(StateRolledBack)
	}
	st := p.sm.state
	p.mu.Unlock()

	// The outcome is published before p leaves the active index so that
	// lookups never miss the transaction in between.
	m.terminal.Put(p.version, terminalRecord{State: st, Roles: p.roles, Origin: p.origin}, time.Now())
	if st == StateCommitted && p.origin != m.cfg.NodeID {
		m.commits.AddCommittedTx(CommittedTxInfo{
			Version:        p.version,
			NodeID:         p.origin,
			ThreadID:       p.threadID,
			RecoveryWrites: fp.recoveryWrites,
		})
	}
	m.active.remove(p.version)
	m.nodeTxs.remove(p)
	m.locks.UnlockAll(p.lockKeys(), p.version)
	m.metrics.Active(-1)
	if st == StateCommitted {
		m.metrics.Committed(false)
	}
	m.log.Debug("Participant finished", zap.Stringer("version", p.version), zap.Stringer("state", st))
	return nil
}

// applyWrites writes entries to the store in order. With invalidate, keys
// this node only backs up are dropped instead of updated.
func (m *Manager) applyWrites(entries []WriteEntry, commitVersion, txVersion Version, invalidate bool) {
	ver := commitVersion.Counter
	if ver == 0 {
		ver = txVersion.Counter
	}
	if !invalidate || m.affinity == nil {
		m.store.Apply(storageWrites(entries), ver)
		return
	}
	for _, e := range entries {
		if primary, _, ok := m.affinity.Owners(e.Key); ok && primary != m.cfg.NodeID {
			m.store.Delete(e.Key)
			continue
		}
		m.store.Apply(storageWrites([]WriteEntry{e}), ver)
	}
}

// outcomeError compares a finished state with the requested decision.
func outcomeError(v Version, st State, commit bool) error {
	switch {
	case commit && st == StateCommitted, !commit && st == StateRolledBack:
		return nil
	case commit:
		return fmt.Errorf("%w: %s was rolled back", ErrRolledBack, v)
	default:
		return fmt.Errorf("%w: %s was already committed", ErrTxTerminal, v)
	}
}

func (m *Manager) onFinishRequest(from string, req *FinishRequest) {
	m.clock.Observe(req.Version)
	reply := func(err error) {
		if err != nil {
			m.log.Warn("Finish failed on participant", zap.Stringer("version", req.Version), zap.Bool("commit", req.Commit), zap.Error(err))
		}
		if !req.ReplyRequired {
			return
		}
		resp := &FinishResponse{Header: req.Header, ErrKind: errKind(err), ErrMsg: errMsg(err)}
		if serr := m.send(from, resp); serr != nil {
			m.log.Debug("Failed to answer finish", zap.String("to", from), zap.Error(serr))
		}
	}

	fp := finishParams{commitVersion: req.CommitVersion, invalidate: req.Invalidate, recoveryWrites: req.RecoveryWrites}
	// The active index is consulted first: a participant publishes its
	// outcome before leaving it, so a miss here is always seen by the cache.
	p, ok := m.active.get(req.Version)
	if !ok {
		// Replays of a finished transaction are answered from the cache and
		// never applied twice.
		if rec, ok := m.terminal.Get(req.Version); ok {
			reply(outcomeError(req.Version, rec.State, req.Commit))
			return
		}
		reply(m.finishUnprepared(req, fp))
		return
	}
	p.prepared.Listen(func(_ struct{}, perr error) {
		if perr != nil && req.Commit {
			reply(perr)
			return
		}
		reply(m.finishParticipant(p, req.Commit, fp))
	})
}

// finishUnprepared handles a decision for a transaction with no staged state
// here: a commit carrying writes is applied directly, a rollback is recorded.
func (m *Manager) finishUnprepared(req *FinishRequest, fp finishParams) error {
	if !req.Commit {
		m.terminal.Put(req.Version, terminalRecord{State: StateRolledBack, Origin: req.Version.NodeID}, time.Now())
		return nil
	}
	if len(req.Writes) == 0 {
		return fmt.Errorf("%w: commit of %s without prepared state or writes", ErrProtocol, req.Version)
	}
	m.applyWrites(req.Writes, req.CommitVersion, req.Version, req.Invalidate)
	m.terminal.Put(req.Version, terminalRecord{State: StateCommitted, Origin: req.Version.NodeID}, time.Now())
	if req.Version.NodeID != m.cfg.NodeID {
		m.commits.AddCommittedTx(CommittedTxInfo{
			Version:        req.Version,
			NodeID:         req.Version.NodeID,
			ThreadID:       req.ThreadID,
			RecoveryWrites: fp.recoveryWrites,
		})
	}
	m.metrics.Committed(false)
	return nil
}

func (m *Manager) onCheckPreparedRequest(from string, req *CheckPreparedRequest) {
	m.clock.Observe(req.Version)
	answer := func() {
		ok := m.TxsPreparedOrCommitted(req.Version, int(req.ExpectedCount))
		resp := &CheckPreparedResponse{Header: req.Header, Success: ok}
		if err := m.send(from, resp); err != nil {
			m.log.Debug("Failed to answer check prepared", zap.String("to", from), zap.Error(err))
		}
	}
	// A prepare still waiting for locks is answered once it settles.
	if p, ok := m.active.get(req.Version); ok {
		p.prepared.Listen(func(struct{}, error) { answer() })
		return
	}
	answer()
}
