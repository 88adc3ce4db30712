package transaction

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/messaging/wire"
)

type keyOwners struct {
	primary string
	backups []string
}

// staticAffinity is a fixed key to owners table shared by every node.
type staticAffinity map[string]keyOwners

func (a staticAffinity) Owners(key string) (string, []string, bool) {
	o, ok := a[key]
	if !ok {
		return "", nil, false
	}
	return o.primary, o.backups, true
}

// simNetwork connects managers in memory. Every ordered pair of nodes gets
// its own FIFO link and messages go through the wire codec.
type simNetwork struct {
	registry *wire.Registry
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	managers map[string]*Manager
	links    map[[2]string]*loopback
	crashed  map[string]bool
	drop     func(from, to string, msg wire.Message) bool
}

func newSimNetwork() *simNetwork {
	reg := wire.NewRegistry()
	for t, f := range Factories() {
		reg.Register(t, f)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &simNetwork{
		registry: reg,
		ctx:      ctx,
		cancel:   cancel,
		managers: make(map[string]*Manager),
		links:    make(map[[2]string]*loopback),
		crashed:  make(map[string]bool),
	}
}

func (n *simNetwork) setDrop(fn func(from, to string, msg wire.Message) bool) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

// crash silently discards everything id sends or should receive from now.
func (n *simNetwork) crash(id string) {
	n.mu.Lock()
	n.crashed[id] = true
	n.mu.Unlock()
}

func (n *simNetwork) send(from, to string, msg wire.Message) error {
	n.mu.Lock()
	dst, ok := n.managers[to]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeUnreachable, to)
	}
	if n.crashed[from] || n.crashed[to] || (n.drop != nil && n.drop(from, to, msg)) {
		n.mu.Unlock()
		return nil
	}
	typ, payload, err := n.registry.Marshal(msg)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	decoded, err := n.registry.Unmarshal(typ, payload)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	key := [2]string{from, to}
	link, ok := n.links[key]
	if !ok {
		link = newLoopback()
		n.links[key] = link
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			link.run(n.ctx, func(m wire.Message) { dst.HandleMessage(n.ctx, from, m) })
		}()
	}
	n.mu.Unlock()
	link.push(decoded)
	return nil
}

type simSender struct {
	net  *simNetwork
	from string
}

func (s simSender) Send(to string, msg wire.Message) error {
	return s.net.send(s.from, to, msg)
}

type testCluster struct {
	net   *simNetwork
	regs  map[string]*cluster.Registry
	nodes map[string]*Manager
}

func newTestCluster(t *testing.T, ids []string, aff cluster.Affinity, tune func(*Config)) *testCluster {
	t.Helper()
	tc := &testCluster{
		net:   newSimNetwork(),
		regs:  make(map[string]*cluster.Registry),
		nodes: make(map[string]*Manager),
	}
	for _, id := range ids {
		reg := cluster.NewRegistry(zap.NewNop())
		for _, other := range ids {
			reg.Join(cluster.NodeInfo{ID: other})
		}
		order, _ := reg.NodeOrder(id)
		cfg := Config{
			NodeID:          id,
			NodeOrder:       order,
			DefaultTimeout:  2 * time.Second,
			RecoveryTimeout: 2 * time.Second,
			SweepInterval:   50 * time.Millisecond,
		}
		if tune != nil {
			tune(&cfg)
		}
		m := NewManager(cfg, Options{
			Membership: reg,
			Affinity:   aff,
			Sender:     simSender{net: tc.net, from: id},
			Logger:     zap.NewNop(),
		})
		tc.regs[id] = reg
		tc.nodes[id] = m
	}
	tc.net.mu.Lock()
	for id, m := range tc.nodes {
		tc.net.managers[id] = m
	}
	tc.net.mu.Unlock()
	for _, m := range tc.nodes {
		m.Start()
	}
	t.Cleanup(func() {
		tc.net.cancel()
		tc.net.wg.Wait()
		for _, m := range tc.nodes {
			m.Stop()
		}
	})
	return tc
}

// leave reports id as departed to every other node.
func (tc *testCluster) leave(id string) {
	for other, reg := range tc.regs {
		if other != id {
			reg.Leave(id)
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}

func stateIs(m *Manager, v Version, want State) func() bool {
	return func() bool {
		st, ok := m.TxState(v)
		return ok && st == want
	}
}

func value(t *testing.T, m *Manager, key string) string {
	t.Helper()
	it, ok := m.Store().Get(key)
	if !ok {
		return ""
	}
	return string(it.Value)
}

func threeNodeAffinity() staticAffinity {
	return staticAffinity{
		"k1": {primary: "A", backups: []string{"B"}},
		"k2": {primary: "B", backups: []string{"C"}},
		"k3": {primary: "C", backups: []string{"A"}},
	}
}

func TestCluster_CommitAppliesOnEveryOwner(t *testing.T) {
	tc := newTestCluster(t, []string{"A", "B", "C"}, threeNodeAffinity(), nil)
	a := tc.nodes["A"]
	ctx := context.Background()

	tx := a.Begin(TxOptions{})
	require.NoError(t, tx.Put(ctx, "k1", []byte("v1")))
	require.NoError(t, tx.Put(ctx, "k2", []byte("v2")))
	require.NoError(t, tx.Put(ctx, "k3", []byte("v3")))
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, StateCommitted, tx.State())
	require.Equal(t, TxNodes{"A": {"B"}, "B": {"C"}, "C": {"A"}}, tx.Nodes())

	require.Equal(t, "v1", value(t, a, "k1"))
	require.Equal(t, "v3", value(t, a, "k3"))
	require.Equal(t, "", value(t, a, "k2"))
	require.Equal(t, "v1", value(t, tc.nodes["B"], "k1"))
	require.Equal(t, "v2", value(t, tc.nodes["B"], "k2"))
	require.Equal(t, "v2", value(t, tc.nodes["C"], "k2"))
	require.Equal(t, "v3", value(t, tc.nodes["C"], "k3"))

	// Every copy carries the same commit version.
	ib, _ := tc.nodes["B"].Store().Get("k2")
	ic, _ := tc.nodes["C"].Store().Get("k2")
	require.Equal(t, ib.Version, ic.Version)
	require.Greater(t, ib.Version, tx.Version().Counter)

	for id, m := range tc.nodes {
		require.Zero(t, m.ActiveCount(), id)
		st, ok := m.TxState(tx.Version())
		require.True(t, ok, id)
		require.Equal(t, StateCommitted, st, id)
	}
	_, locked := a.Locks().Owner("k1")
	require.False(t, locked)

	// Only nodes that committed for another origin remember it.
	_, ok := tc.nodes["B"].CommitBuffer().CommittedTx(tx.Version(), "A", tx.Options().ThreadID)
	require.True(t, ok)
	require.Zero(t, a.CommitBuffer().Len())
}

func TestCluster_LockConflictRollsBackEverywhere(t *testing.T) {
	tc := newTestCluster(t, []string{"A", "B", "C"}, threeNodeAffinity(), nil)
	a, b := tc.nodes["A"], tc.nodes["B"]
	ctx := context.Background()

	older := Version{Counter: 0, NodeID: "Z"}
	require.NoError(t, b.Locks().Lock(ctx, "k2", older))

	tx := a.Begin(TxOptions{})
	require.NoError(t, tx.Put(ctx, "k1", []byte("v1")))
	require.NoError(t, tx.Put(ctx, "k2", []byte("v2")))
	err := tx.Commit(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, ErrRolledBack)
	require.True(t, IsRetryable(err))

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	require.Equal(t, "conflict", rb.Reason)
	require.Equal(t, tx.Version(), rb.Version)
	require.Equal(t, StateRolledBack, tx.State())

	for id, m := range tc.nodes {
		m := m
		eventually(t, func() bool { return m.ActiveCount() == 0 }, id)
		require.Equal(t, "", value(t, m, "k1"), id)
		require.Equal(t, "", value(t, m, "k2"), id)
	}
	eventually(t, stateIs(a, tx.Version(), StateRolledBack), "A rolled back")
	_, locked := a.Locks().Owner("k1")
	require.False(t, locked)
	owner, _ := b.Locks().Owner("k2")
	require.Equal(t, older, owner)
}

func TestCluster_SerializableValidationConflict(t *testing.T) {
	aff := staticAffinity{"solo": {primary: "A"}}
	tc := newTestCluster(t, []string{"A", "B"}, aff, nil)
	a := tc.nodes["A"]
	ctx := context.Background()
	a.Store().Put("solo", []byte("old"), 5)

	tx := a.Begin(TxOptions{Isolation: Serializable})
	v, ok, err := tx.Get("solo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "old", string(v))
	require.NoError(t, tx.Put(ctx, "solo", []byte("new")))
	require.True(t, tx.Writes()[0].Validate)
	require.Equal(t, uint64(5), tx.Writes()[0].ReadVersion)

	a.Store().Put("solo", []byte("concurrent"), 9)
	err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, "concurrent", value(t, a, "solo"))

	// Without the concurrent write the same pattern commits.
	tx = a.Begin(TxOptions{Isolation: Serializable})
	_, _, err = tx.Get("solo")
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "solo", []byte("new")))
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, "new", value(t, a, "solo"))
}

func TestCluster_UnknownKeyFailsWithTopology(t *testing.T) {
	tc := newTestCluster(t, []string{"A"}, staticAffinity{}, nil)
	tx := tc.nodes["A"].Begin(TxOptions{})
	require.NoError(t, tx.Put(context.Background(), "nowhere", []byte("x")))
	err := tx.Commit(context.Background())
	require.ErrorIs(t, err, ErrTopology)
	require.ErrorIs(t, err, ErrRolledBack)
}

func TestCluster_DeadPrimaryFailsBeforePrepare(t *testing.T) {
	aff := staticAffinity{"k": {primary: "B", backups: []string{"C"}}}
	tc := newTestCluster(t, []string{"A", "B", "C"}, aff, nil)
	tc.net.crash("B")
	tc.leave("B")

	tx := tc.nodes["A"].Begin(TxOptions{})
	require.NoError(t, tx.Put(context.Background(), "k", []byte("x")))
	err := tx.Commit(context.Background())
	require.ErrorIs(t, err, ErrTopology)
	require.Zero(t, tc.nodes["C"].ActiveCount())
}

func coordinatorOnlyAffinity() staticAffinity {
	return staticAffinity{
		"k1": {primary: "B", backups: []string{"C"}},
		"k2": {primary: "C", backups: []string{"B"}},
	}
}

func TestCluster_CoordinatorCrashAfterPrepareCommitsOnRecovery(t *testing.T) {
	tc := newTestCluster(t, []string{"A", "B", "C"}, coordinatorOnlyAffinity(), nil)
	a, b, c := tc.nodes["A"], tc.nodes["B"], tc.nodes["C"]
	tc.net.setDrop(func(from, _ string, msg wire.Message) bool {
		_, fin := msg.(*FinishRequest)
		return from == "A" && fin
	})
	ctx := context.Background()

	tx := a.Begin(TxOptions{Timeout: 500 * time.Millisecond})
	require.NoError(t, tx.Put(ctx, "k1", []byte("v1")))
	require.NoError(t, tx.Put(ctx, "k2", []byte("v2")))
	res := a.PrepareAndCommit(ctx, tx)

	eventually(t, stateIs(b, tx.Version(), StatePrepared), "B prepared")
	eventually(t, stateIs(c, tx.Version(), StatePrepared), "C prepared")

	tc.net.crash("A")
	tc.regs["B"].Leave("A")
	tc.regs["C"].Leave("A")

	eventually(t, stateIs(b, tx.Version(), StateCommitted), "B committed on recovery")
	eventually(t, stateIs(c, tx.Version(), StateCommitted), "C committed on recovery")
	for _, m := range []*Manager{b, c} {
		require.Equal(t, "v1", value(t, m, "k1"))
		require.Equal(t, "v2", value(t, m, "k2"))
		m := m
		eventually(t, func() bool { return m.RecoveryCount() == 0 }, "recovery finished")
	}
	info, ok := b.CommitBuffer().CommittedTx(tx.Version(), "A", tx.Options().ThreadID)
	require.True(t, ok)
	require.Len(t, info.RecoveryWrites, 2)

	// The isolated coordinator never hears the acknowledgements.
	_, err := res.GetTimeout(5 * time.Second)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestCluster_CoordinatorCrashWithUnpreparedParticipantSalvages(t *testing.T) {
	aff := staticAffinity{
		"k1": {primary: "B"},
		"k2": {primary: "C"},
	}
	tc := newTestCluster(t, []string{"A", "B", "C"}, aff, nil)
	a, b, c := tc.nodes["A"], tc.nodes["B"], tc.nodes["C"]
	tc.net.setDrop(func(from, to string, msg wire.Message) bool {
		_, prep := msg.(*PrepareRequest)
		return from == "A" && to == "C" && prep
	})
	ctx := context.Background()

	tx := a.Begin(TxOptions{Timeout: 300 * time.Millisecond})
	require.NoError(t, tx.Put(ctx, "k1", []byte("v1")))
	require.NoError(t, tx.Put(ctx, "k2", []byte("v2")))
	res := a.PrepareAndCommit(ctx, tx)
	eventually(t, stateIs(b, tx.Version(), StatePrepared), "B prepared")

	tc.net.crash("A")
	tc.leave("A")

	eventually(t, stateIs(b, tx.Version(), StateRolledBack), "B salvaged")
	require.Equal(t, "", value(t, b, "k1"))
	_, locked := b.Locks().Owner("k1")
	require.False(t, locked)
	_, known := c.TxState(tx.Version())
	require.False(t, known)

	_, err := res.GetTimeout(5 * time.Second)
	require.Error(t, err)
}

func TestCluster_RecoveryIgnoresDepartedTargets(t *testing.T) {
	aff := staticAffinity{
		"k1": {primary: "B", backups: []string{"C"}},
		"k2": {primary: "D"},
	}
	tc := newTestCluster(t, []string{"A", "B", "C", "D"}, aff, nil)
	a, b, c, d := tc.nodes["A"], tc.nodes["B"], tc.nodes["C"], tc.nodes["D"]
	tc.net.setDrop(func(from, _ string, msg wire.Message) bool {
		_, fin := msg.(*FinishRequest)
		return from == "A" && fin
	})
	ctx := context.Background()

	tx := a.Begin(TxOptions{Timeout: 300 * time.Millisecond})
	require.NoError(t, tx.Put(ctx, "k1", []byte("v1")))
	require.NoError(t, tx.Put(ctx, "k2", []byte("v2")))
	a.PrepareAndCommit(ctx, tx)
	for _, m := range []*Manager{b, c, d} {
		eventually(t, stateIs(m, tx.Version(), StatePrepared), m.LocalNode()+" prepared")
	}

	// D goes away without ever answering a recovery question.
	tc.net.crash("D")
	tc.net.crash("A")
	tc.regs["B"].Leave("D")
	tc.regs["C"].Leave("D")
	tc.regs["B"].Leave("A")
	tc.regs["C"].Leave("A")

	eventually(t, stateIs(b, tx.Version(), StateCommitted), "B committed")
	eventually(t, stateIs(c, tx.Version(), StateCommitted), "C committed")
	require.Equal(t, "v1", value(t, c, "k1"))
}

func TestCluster_RecoveryTimeoutSalvages(t *testing.T) {
	tc := newTestCluster(t, []string{"A", "B", "C"}, coordinatorOnlyAffinity(), func(cfg *Config) {
		cfg.RecoveryTimeout = 200 * time.Millisecond
	})
	a, b := tc.nodes["A"], tc.nodes["B"]
	tc.net.setDrop(func(from, to string, msg wire.Message) bool {
		switch msg.(type) {
		case *FinishRequest:
			return from == "A"
		case *CheckPreparedRequest:
			// C never hears B's question.
			return from == "B" && to == "C"
		}
		return false
	})
	ctx := context.Background()

	tx := a.Begin(TxOptions{Timeout: 300 * time.Millisecond})
	require.NoError(t, tx.Put(ctx, "k1", []byte("v1")))
	require.NoError(t, tx.Put(ctx, "k2", []byte("v2")))
	a.PrepareAndCommit(ctx, tx)
	eventually(t, stateIs(b, tx.Version(), StatePrepared), "B prepared")

	tc.net.crash("A")
	tc.regs["B"].Leave("A")

	eventually(t, stateIs(b, tx.Version(), StateRolledBack), "B salvaged after timeout")
	require.Zero(t, b.RecoveryCount())
	require.Equal(t, "", value(t, b, "k1"))
}

func TestCluster_PrimaryLeavingDuringPrepareFallsBackToBackup(t *testing.T) {
	aff := staticAffinity{"k": {primary: "B", backups: []string{"C"}}}
	tc := newTestCluster(t, []string{"A", "B", "C"}, aff, nil)
	a, c := tc.nodes["A"], tc.nodes["C"]
	var once sync.Once
	tc.net.setDrop(func(_, to string, _ wire.Message) bool {
		if to != "B" {
			return false
		}
		once.Do(func() { go tc.leave("B") })
		return true
	})
	ctx := context.Background()

	tx := a.Begin(TxOptions{})
	require.NoError(t, tx.Put(ctx, "k", []byte("v")))
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, "v", value(t, c, "k"))
	info, ok := c.CommitBuffer().CommittedTx(tx.Version(), "A", tx.Options().ThreadID)
	require.True(t, ok)
	require.Len(t, info.RecoveryWrites, 1)
	require.Equal(t, "k", info.RecoveryWrites[0].Key)
}

func TestCluster_PrimaryLeavingWithoutBackupRollsBack(t *testing.T) {
	aff := staticAffinity{
		"k":     {primary: "B"},
		"other": {primary: "C"},
	}
	tc := newTestCluster(t, []string{"A", "B", "C"}, aff, nil)
	a, c := tc.nodes["A"], tc.nodes["C"]
	var once sync.Once
	tc.net.setDrop(func(_, to string, _ wire.Message) bool {
		if to != "B" {
			return false
		}
		once.Do(func() { go tc.leave("B") })
		return true
	})
	ctx := context.Background()

	tx := a.Begin(TxOptions{})
	require.NoError(t, tx.Put(ctx, "k", []byte("v")))
	require.NoError(t, tx.Put(ctx, "other", []byte("w")))
	err := tx.Commit(ctx)
	require.ErrorIs(t, err, ErrTopology)

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	require.Equal(t, "topology", rb.Reason)
	eventually(t, func() bool { return c.ActiveCount() == 0 }, "C released")
	require.Equal(t, "", value(t, c, "other"))
}

type finishLog struct {
	mu   sync.Mutex
	reqs map[string]*FinishRequest
}

func (l *finishLog) record(to string, msg wire.Message) {
	if req, ok := msg.(*FinishRequest); ok {
		l.mu.Lock()
		l.reqs[to] = req
		l.mu.Unlock()
	}
}

func (l *finishLog) get(to string) *FinishRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reqs[to]
}

func TestCluster_SyncModeDecidesAcknowledgements(t *testing.T) {
	aff := staticAffinity{"k": {primary: "B", backups: []string{"C"}}}
	dropFinishTo := func(tc *testCluster, log *finishLog, targets ...string) {
		tc.net.setDrop(func(_, to string, msg wire.Message) bool {
			log.record(to, msg)
			_, fin := msg.(*FinishRequest)
			return fin && contains(targets, to)
		})
	}

	t.Run("full sync waits for backups", func(t *testing.T) {
		tc := newTestCluster(t, []string{"A", "B", "C"}, aff, nil)
		log := &finishLog{reqs: make(map[string]*FinishRequest)}
		dropFinishTo(tc, log, "C")

		tx := tc.nodes["A"].Begin(TxOptions{Timeout: 200 * time.Millisecond})
		require.NoError(t, tx.Put(context.Background(), "k", []byte("v")))
		err := tx.Commit(context.Background())
		require.ErrorIs(t, err, ErrTimeout)
		// The decision stands even though it was not acknowledged.
		require.Equal(t, StateCommitted, tx.State())
		require.True(t, log.get("B").ReplyRequired)
		require.True(t, log.get("C").ReplyRequired)
	})

	t.Run("primary sync skips backups", func(t *testing.T) {
		tc := newTestCluster(t, []string{"A", "B", "C"}, aff, func(cfg *Config) { cfg.SyncMode = PrimarySync })
		log := &finishLog{reqs: make(map[string]*FinishRequest)}
		dropFinishTo(tc, log, "C")

		tx := tc.nodes["A"].Begin(TxOptions{Timeout: time.Second})
		require.NoError(t, tx.Put(context.Background(), "k", []byte("v")))
		require.NoError(t, tx.Commit(context.Background()))
		require.Equal(t, "v", value(t, tc.nodes["B"], "k"))
		require.True(t, log.get("B").ReplyRequired)
		require.False(t, log.get("C").ReplyRequired)
	})

	t.Run("full async waits for nobody", func(t *testing.T) {
		tc := newTestCluster(t, []string{"A", "B", "C"}, aff, func(cfg *Config) { cfg.SyncMode = FullAsync })
		log := &finishLog{reqs: make(map[string]*FinishRequest)}
		dropFinishTo(tc, log, "B", "C")

		tx := tc.nodes["A"].Begin(TxOptions{Timeout: time.Second})
		require.NoError(t, tx.Put(context.Background(), "k", []byte("v")))
		require.NoError(t, tx.Commit(context.Background()))
		require.False(t, log.get("B").ReplyRequired)
		require.False(t, log.get("C").ReplyRequired)
	})
}

func TestCluster_PessimisticLocksOnWrite(t *testing.T) {
	aff := staticAffinity{"k": {primary: "A", backups: []string{"B"}}}
	tc := newTestCluster(t, []string{"A", "B"}, aff, nil)
	a := tc.nodes["A"]
	ctx := context.Background()
	opts := TxOptions{Concurrency: Pessimistic}

	older := a.Begin(opts)
	holder := a.Begin(opts)
	younger := a.Begin(opts)

	require.NoError(t, holder.Put(ctx, "k", []byte("holder")))
	owner, ok := a.Locks().Owner("k")
	require.True(t, ok)
	require.Equal(t, holder.Version(), owner)

	// The younger transaction dies at once and is marked rollback-only.
	err := younger.Put(ctx, "k", []byte("younger"))
	require.ErrorIs(t, err, ErrConflict)
	err = younger.Commit(ctx)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, StateRolledBack, younger.State())

	// The older one waits for the holder to finish.
	waited := make(chan error, 1)
	go func() { waited <- older.Put(ctx, "k", []byte("older")) }()
	select {
	case err := <-waited:
		t.Fatalf("older transaction did not wait: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, holder.Commit(ctx))
	require.Equal(t, "holder", value(t, tc.nodes["B"], "k"))
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("older transaction still waiting")
	}
	require.NoError(t, older.Commit(ctx))
	require.Equal(t, "older", value(t, a, "k"))
	_, locked := a.Locks().Owner("k")
	require.False(t, locked)
}

func TestCluster_UserRollbackReleasesLocks(t *testing.T) {
	aff := staticAffinity{"k": {primary: "A"}}
	tc := newTestCluster(t, []string{"A"}, aff, nil)
	a := tc.nodes["A"]
	ctx := context.Background()

	tx := a.Begin(TxOptions{Concurrency: Pessimistic})
	require.NoError(t, tx.Put(ctx, "k", []byte("v")))
	_, err := a.Rollback(ctx, tx).GetTimeout(5 * time.Second)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.Equal(t, StateRolledBack, tx.State())
	_, locked := a.Locks().Owner("k")
	require.False(t, locked)
	require.ErrorIs(t, tx.Put(ctx, "k", []byte("again")), ErrTxTerminal)
	require.ErrorIs(t, tx.Commit(ctx), ErrTxTerminal)
}
