package transaction

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/pkg/future"
)

// checkPreparedFuture asks the surviving participants of a transaction
// whether they prepared it. Answers are AND-reduced: the transaction may
// commit only if every asked node confirms.
//
// A node that leaves before answering counts as confirming. Recovery is
// triggered by departures, and treating every further departure as an
// objection would roll back transactions for unrelated failures; progress
// is favoured over strict verification here.
type checkPreparedFuture struct {
	*future.Compound[bool]

	id     string
	m      *Manager
	p      *participant
	failed string
}

func (m *Manager) newCheckPreparedFuture(p *participant, failed string) *checkPreparedFuture {
	return &checkPreparedFuture{
		Compound: future.NewCompound[bool](future.NewAndReducer()),
		id:       newID(),
		m:        m,
		p:        p,
		failed:   failed,
	}
}

// recoveryTargets maps each node to ask to the number of roles it holds.
// Live primaries are asked directly; for the failed primary its backups are
// asked instead. The local node is never asked.
func recoveryTargets(nodes TxNodes, local, failed string) map[string]int {
	targets := make(map[string]int)
	for primary, backups := range nodes {
		if primary == local {
			continue
		}
		if primary != failed {
			targets[primary] = nodes.Roles(primary)
			continue
		}
		for _, b := range backups {
			// A backup that is also a primary is asked in that role.
			if b == local || b == failed || nodes.IsPrimary(b) {
				continue
			}
			targets[b] = nodes.Roles(b)
		}
	}
	return targets
}

// run fans the requests out. It must be called once.
func (f *checkPreparedFuture) run() {
	m, p := f.m, f.p
	local := m.cfg.NodeID

	// Nothing to ask if we cannot vouch for ourselves.
	if !m.TxsPreparedOrCommitted(p.version, p.nodes.Roles(local)) {
		f.Add(future.Completed(false))
		f.MarkInitialized()
		return
	}

	targets := recoveryTargets(p.nodes, local, f.failed)
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, node := range ids {
		mi := m.addMini(f.id, node, func(fut *future.Future[bool]) {
			m.log.Info("Recovery target left, will ignore", zap.Stringer("version", p.version), zap.String("target", node))
			fut.Complete(true)
		})
		f.Add(mi.fut)
		if mi.fut.IsDone() {
			continue
		}
		m.request(mi, &CheckPreparedRequest{
			Header:        Header{Version: p.version, FutureID: f.id, MiniID: mi.id},
			ExpectedCount: uint64(targets[node]),
		})
	}
	f.MarkInitialized()
}

// startRecovery runs the check-prepared recovery for a prepared participant
// whose coordinator failed. It is a no-op if one already runs.
func (m *Manager) startRecovery(p *participant, failed string) {
	p.mu.Lock()
	if p.recovering || p.sm.state != StatePrepared {
		p.mu.Unlock()
		return
	}
	p.recovering = true
	p.mu.Unlock()

	f := m.newCheckPreparedFuture(p, failed)
	m.futMu.Lock()
	m.recoveries[f.id] = f
	m.futMu.Unlock()

	m.log.Info("Starting check-prepared recovery", zap.Stringer("version", p.version),
		zap.String("failed_node", failed), zap.Strings("participants", p.nodes.Nodes()))

	timer := time.AfterFunc(m.cfg.RecoveryTimeout, func() { f.Cancel() })
	f.Listen(func(ok bool, err error) {
		timer.Stop()
		m.futMu.Lock()
		delete(m.recoveries, f.id)
		m.futMu.Unlock()

		if err == nil && ok {
			m.finishRecovered(p)
			return
		}
		if errors.Is(err, future.ErrCancelled) {
			err = fmt.Errorf("%w: recovery of %s", ErrTimeout, p.version)
		} else if err == nil {
			err = fmt.Errorf("%w: %s not prepared on every participant", ErrTopology, p.version)
		}
		m.salvage(p, err)
	})
	f.run()
}

// FinishOptimisticTxOnRecovery commits the prepared participant
// transaction v locally.
func (m *Manager) FinishOptimisticTxOnRecovery(v Version) error {
	p, ok := m.active.get(v)
	if !ok {
		return fmt.Errorf("no in-flight transaction %s", v)
	}
	return m.finishRecovered(p)
}

func (m *Manager) finishRecovered(p *participant) error {
	err := m.finishParticipant(p, true, finishParams{commitVersion: p.version, recoveryWrites: p.writes})
	if err != nil {
		m.log.Warn("Failed to commit recovered transaction", zap.Stringer("version", p.version), zap.Error(err))
		return err
	}
	m.metrics.Recovered(true)
	m.log.Info("Recovered transaction committed", zap.Stringer("version", p.version))
	return nil
}

// SalvageTx forces the in-flight participant transaction v to roll back
// because its outcome cannot be confirmed.
func (m *Manager) SalvageTx(v Version, cause error) error {
	p, ok := m.active.get(v)
	if !ok {
		return fmt.Errorf("no in-flight transaction %s", v)
	}
	return m.salvage(p, cause)
}

func (m *Manager) salvage(p *participant, cause error) error {
	if err := m.finishParticipant(p, false, finishParams{}); err != nil {
		m.log.Warn("Failed to salvage transaction", zap.Stringer("version", p.version), zap.Error(err))
		return err
	}
	m.metrics.Recovered(false)
	m.metrics.Salvaged()
	m.metrics.RolledBack("salvaged")
	m.log.Info("Transaction salvaged", zap.Stringer("version", p.version), zap.Error(cause))
	return nil
}

// RecoveryCount returns the number of recoveries in flight.
func (m *Manager) RecoveryCount() int {
	m.futMu.Lock()
	defer m.futMu.Unlock()
	return len(m.recoveries)
}
