// Package transaction implements distributed two-phase commit across key
// primaries and backups, and the recovery that lets surviving participants
// settle a prepared transaction after its coordinator died.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/messaging/dispatch"
	"github.com/sushant-115/gojogrid/core/messaging/wire"
	"github.com/sushant-115/gojogrid/core/storage"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"github.com/sushant-115/gojogrid/pkg/future"
)

// ErrNodeUnreachable is returned by a Sender when the target node is not
// part of the cluster any more.
var ErrNodeUnreachable = errors.New("node unreachable")

// Sender delivers protocol messages to other nodes. Delivery is ordered and
// at-least-once per target; Send must not block on the network.
type Sender interface {
	Send(nodeID string, msg wire.Message) error
}

// Config tunes the manager.
type Config struct {
	NodeID    string
	NodeOrder uint64

	// DefaultTimeout bounds a transaction from commit to the end of
	// prepare, and every lock wait on participants.
	DefaultTimeout time.Duration
	// SyncMode decides which participants acknowledge the finish step.
	SyncMode SyncMode

	CommitBufferSize  int
	CommitBufferGrace time.Duration
	TerminalCacheSize int
	TerminalRetention time.Duration
	RecoveryTimeout   time.Duration
	SweepInterval     time.Duration
	Shards            int
}

func (c *Config) setDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.CommitBufferSize <= 0 {
		c.CommitBufferSize = 16384
	}
	if c.CommitBufferGrace <= 0 {
		c.CommitBufferGrace = time.Minute
	}
	if c.TerminalCacheSize <= 0 {
		c.TerminalCacheSize = 65536
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = 5 * time.Minute
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.Shards <= 0 {
		c.Shards = 32
	}
}

// Options carries the collaborators of the manager.
type Options struct {
	Store      *storage.Store
	Membership cluster.Membership
	Affinity   cluster.Affinity
	Sender     Sender
	Logger     *zap.Logger
	Metrics    *internaltelemetry.TxMetrics
	Tracer     trace.Tracer
}

// mini is one outstanding request to one node.
type mini struct {
	id     string
	futID  string
	node   string
	fut    *future.Future[bool]
	onLeft func()
}

// Manager owns the transactions of one node: those it coordinates and those
// it participates in.
type Manager struct {
	cfg      Config
	store    *storage.Store
	members  cluster.Membership
	affinity cluster.Affinity
	sender   Sender
	log      *zap.Logger
	metrics  *internaltelemetry.TxMetrics
	tracer   trace.Tracer

	clock    *Clock
	locks    *LockTable
	active   *txIndex
	nodeTxs  *nodeIndex
	terminal *shardedFIFO[Version, terminalRecord]
	commits  *CommitBuffer
	loop     *loopback

	futMu      sync.Mutex
	minis      map[string]*mini
	recoveries map[string]*checkPreparedFuture

	nextThread atomic.Uint64
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	unsub      func()
	stopped    atomic.Bool
}

// NewManager creates a manager. Start must be called before use.
func NewManager(cfg Config, opts Options) *Manager {
	cfg.setDefaults()
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	store := opts.Store
	if store == nil {
		store = storage.New(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		store:      store,
		members:    opts.Membership,
		affinity:   opts.Affinity,
		sender:     opts.Sender,
		log:        log.Named("tx_manager").With(zap.String("node", cfg.NodeID)),
		metrics:    opts.Metrics,
		tracer:     tracer,
		clock:      NewClock(cfg.NodeID, cfg.NodeOrder),
		locks:      NewLockTable(cfg.Shards),
		active:     newTxIndex(cfg.Shards),
		nodeTxs:    newNodeIndex(cfg.Shards),
		terminal:   newShardedFIFO[Version, terminalRecord](cfg.Shards, cfg.TerminalCacheSize, versionHash),
		commits:    NewCommitBuffer(cfg.CommitBufferSize, cfg.CommitBufferGrace),
		loop:       newLoopback(),
		minis:      make(map[string]*mini),
		recoveries: make(map[string]*checkPreparedFuture),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register installs the protocol handlers on d.
func (m *Manager) Register(d *dispatch.Dispatcher) {
	for t, factory := range Factories() {
		d.Register(t, factory, m.HandleMessage)
	}
}

// Start subscribes to membership changes and starts the background loops.
func (m *Manager) Start() {
	if m.members != nil {
		m.unsub = m.members.OnNodeLeft(func(id string) {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.OnNodeLeft(id)
			}()
		})
	}
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.loop.run(m.ctx, func(msg wire.Message) { m.HandleMessage(m.ctx, m.cfg.NodeID, msg) })
	}()
	go func() {
		defer m.wg.Done()
		m.sweep()
	}()
	m.log.Info("Transaction manager started", zap.Stringer("sync_mode", m.cfg.SyncMode))
}

// Stop cancels outstanding recoveries and stops the background loops.
func (m *Manager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	if m.unsub != nil {
		m.unsub()
	}
	m.futMu.Lock()
	recs := make([]*checkPreparedFuture, 0, len(m.recoveries))
	for _, f := range m.recoveries {
		recs = append(recs, f)
	}
	m.futMu.Unlock()
	for _, f := range recs {
		f.Cancel()
	}
	m.cancel()
	m.wg.Wait()
	m.log.Info("Transaction manager stopped")
}

// LocalNode returns the id of this node.
func (m *Manager) LocalNode() string {
	return m.cfg.NodeID
}

// Store returns the local key/value store.
func (m *Manager) Store() *storage.Store {
	return m.store
}

// CommitBuffer returns the buffer of transactions committed for other nodes.
func (m *Manager) CommitBuffer() *CommitBuffer {
	return m.commits
}

// Locks returns the local lock table.
func (m *Manager) Locks() *LockTable {
	return m.locks
}

func (m *Manager) sweep() {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			expired := m.terminal.RemoveIf(func(_ Version, _ terminalRecord, at time.Time) bool {
				return now.Sub(at) > m.cfg.TerminalRetention
			})
			pruned := m.commits.Prune(now)
			if expired > 0 || pruned > 0 {
				m.log.Debug("Swept transaction caches", zap.Int("terminal", expired), zap.Int("commit_buffer", pruned))
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// send delivers msg to node, looping back messages for the local node.
func (m *Manager) send(node string, msg wire.Message) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	if node == m.cfg.NodeID {
		m.loop.push(msg)
		return nil
	}
	if m.sender == nil {
		return fmt.Errorf("%w: no sender for %s", ErrNodeUnreachable, node)
	}
	return m.sender.Send(node, msg)
}

func (m *Manager) nodeAlive(id string) bool {
	if id == m.cfg.NodeID || m.members == nil {
		return true
	}
	return m.members.NodeAlive(id)
}

// addMini registers an outstanding request to node. onLeft runs when the
// node leaves before answering, including when it is already gone.
func (m *Manager) addMini(futID, node string, onLeft func(*future.Future[bool])) *mini {
	mi := &mini{id: newID(), futID: futID, node: node, fut: future.New[bool]()}
	mi.onLeft = func() { onLeft(mi.fut) }

	m.futMu.Lock()
	m.minis[mi.id] = mi
	m.futMu.Unlock()
	mi.fut.Listen(func(bool, error) {
		m.futMu.Lock()
		delete(m.minis, mi.id)
		m.futMu.Unlock()
	})

	if !m.nodeAlive(node) {
		mi.onLeft()
	}
	return mi
}

// request sends msg for mi. A send to a vanished node counts as the node
// leaving.
func (m *Manager) request(mi *mini, msg wire.Message) {
	if err := m.send(mi.node, msg); err != nil {
		if errors.Is(err, ErrNodeUnreachable) {
			mi.onLeft()
			return
		}
		mi.fut.Fail(fmt.Errorf("failed to send %T to %s: %w", msg, mi.node, err))
	}
}

func (m *Manager) completeMini(id string, v bool, err error) {
	m.futMu.Lock()
	mi, ok := m.minis[id]
	m.futMu.Unlock()
	if !ok {
		m.log.Debug("Response for unknown or finished request", zap.String("mini_id", id))
		return
	}
	if err != nil {
		mi.fut.Fail(err)
		return
	}
	mi.fut.Complete(v)
}

// OnNodeLeft reacts to a node leaving: requests waiting on it are resolved,
// its commit buffer entries are scheduled for pruning, and prepared
// transactions it coordinated are recovered.
func (m *Manager) OnNodeLeft(id string) {
	if id == m.cfg.NodeID || m.stopped.Load() {
		return
	}
	m.log.Info("Processing node left", zap.String("left_node", id))
	m.commits.OnNodeLeft(id)

	m.futMu.Lock()
	var waiting []*mini
	for _, mi := range m.minis {
		if mi.node == id {
			waiting = append(waiting, mi)
		}
	}
	m.futMu.Unlock()
	for _, mi := range waiting {
		mi.onLeft()
	}

	for _, v := range m.nodeTxs.versions(id) {
		p, ok := m.active.get(v)
		if !ok || p.origin != id {
			continue
		}
		p.prepared.Listen(func(_ struct{}, err error) {
			if err == nil {
				m.startRecovery(p, id)
			}
		})
	}
}

// TxsPreparedOrCommitted reports whether the transaction v is prepared or
// committed here with exactly expected roles.
func (m *Manager) TxsPreparedOrCommitted(v Version, expected int) bool {
	if p, ok := m.active.get(v); ok {
		p.mu.Lock()
		st := p.sm.state
		p.mu.Unlock()
		switch st {
		case StatePrepared, StateCommitting, StateCommitted:
			return p.roles == expected
		}
		return false
	}
	if rec, ok := m.terminal.Get(v); ok {
		return rec.State == StateCommitted && (rec.Roles == 0 || rec.Roles == expected)
	}
	return m.commits.CommittedVersion(v)
}

// ActiveCount returns the number of participant transactions in flight.
func (m *Manager) ActiveCount() int {
	return len(m.active.all())
}

// NodeTransactions returns the versions of in-flight transactions node takes
// part in.
func (m *Manager) NodeTransactions(node string) []Version {
	return m.nodeTxs.versions(node)
}

// TxState returns the local participant state of v, consulting the terminal
// cache for finished transactions.
func (m *Manager) TxState(v Version) (State, bool) {
	if p, ok := m.active.get(v); ok {
		return p.state(), true
	}
	if rec, ok := m.terminal.Get(v); ok {
		return rec.State, true
	}
	return 0, false
}
