package transport

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/messaging/recovery"
	"github.com/sushant-115/gojogrid/core/messaging/session"
	"github.com/sushant-115/gojogrid/core/messaging/wire"
	"github.com/sushant-115/gojogrid/pkg/connection"
	"github.com/sushant-115/gojogrid/pkg/future"
	"github.com/sushant-115/gojogrid/pkg/tlsutil"
)

type member struct {
	addr  string
	order uint64
}

type staticDirectory struct {
	mu    sync.Mutex
	nodes map[string]member
}

func newDirectory() *staticDirectory {
	return &staticDirectory{nodes: map[string]member{}}
}

func (d *staticDirectory) set(id, addr string, order uint64) {
	d.mu.Lock()
	d.nodes[id] = member{addr: addr, order: order}
	d.mu.Unlock()
}

func (d *staticDirectory) remove(id string) {
	d.mu.Lock()
	delete(d.nodes, id)
	d.mu.Unlock()
}

func (d *staticDirectory) Address(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.nodes[id]
	return m.addr, ok
}

func (d *staticDirectory) NodeOrder(id string) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.nodes[id]
	return m.order, ok
}

type recorder struct {
	mu   sync.Mutex
	from map[string][]uint32
}

func newRecorder() *recorder {
	return &recorder{from: map[string][]uint32{}}
}

func (r *recorder) HandleMessage(from string, f wire.Frame, done func()) {
	r.mu.Lock()
	r.from[from] = append(r.from[from], binary.BigEndian.Uint32(f.Payload))
	r.mu.Unlock()
	done()
}

func (r *recorder) received(from string) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.from[from]...)
}

func frame(i int) wire.Frame {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(i))
	return wire.Frame{Type: wire.FirstUserType, Payload: b}
}

func sequence(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i)
	}
	return out
}

func testConfig(id string, order uint64) Config {
	return Config{
		NodeID:           id,
		NodeOrder:        order,
		ListenAddr:       "127.0.0.1:0",
		HandshakeTimeout: time.Second,
		Session:          session.Config{AckSendThreshold: 8, AckIdleInterval: 10 * time.Millisecond},
		Dialer:           connection.Config{Timeout: time.Second, ReconnectRate: 200, ReconnectBurst: 4},
	}
}

func startNode(t *testing.T, dir *staticDirectory, cfg Config) (*Transport, *recorder) {
	t.Helper()
	rec := newRecorder()
	tr := New(cfg, Options{Directory: dir, Handler: rec, Logger: zap.NewNop()})
	require.NoError(t, tr.Listen())
	dir.set(cfg.NodeID, tr.Addr().String(), cfg.NodeOrder)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, rec
}

// dropLinks closes the outbound session to nodeID the way a network failure
// would, keeping the recovery state.
func (t *Transport) dropLinks(nodeID string) {
	t.mu.Lock()
	p, ok := t.peers[nodeID]
	t.mu.Unlock()
	if !ok {
		return
	}
	p.sendMu.Lock()
	out := p.outSess
	p.sendMu.Unlock()
	if out != nil {
		_ = out.Close()
	}
}

func waitAll(t *testing.T, futs []*future.Future[struct{}]) {
	t.Helper()
	for i, f := range futs {
		_, err := f.GetTimeout(5 * time.Second)
		require.NoError(t, err, "message %d", i)
	}
}

func TestTransport_DeliversInOrderBothWays(t *testing.T) {
	dir := newDirectory()
	a, recA := startNode(t, dir, testConfig("a", 1))
	b, recB := startNode(t, dir, testConfig("b", 1))

	var futs []*future.Future[struct{}]
	for i := 0; i < 100; i++ {
		futs = append(futs, a.Send("b", frame(i), false))
		futs = append(futs, b.Send("a", frame(i), false))
	}
	waitAll(t, futs)

	require.Equal(t, sequence(100), recB.received("a"))
	require.Equal(t, sequence(100), recA.received("b"))
}

func TestTransport_ReconnectResendsExactlyOnce(t *testing.T) {
	dir := newDirectory()
	a, _ := startNode(t, dir, testConfig("a", 1))
	_, recB := startNode(t, dir, testConfig("b", 1))

	const n = 300
	var futs []*future.Future[struct{}]
	for i := 0; i < n; i++ {
		futs = append(futs, a.Send("b", frame(i), false))
		if i%75 == 40 {
			a.dropLinks("b")
		}
	}
	waitAll(t, futs)

	require.Eventually(t, func() bool { return len(recB.received("a")) == n }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, sequence(n), recB.received("a"))
}

func TestTransport_NodeLeftFailsPending(t *testing.T) {
	dir := newDirectory()
	a, _ := startNode(t, dir, testConfig("a", 1))
	// b is known to the directory but nothing listens there.
	dir.set("b", "127.0.0.1:1", 1)

	futs := []*future.Future[struct{}]{
		a.Send("b", frame(0), false),
		a.Send("b", frame(1), false),
	}
	time.Sleep(20 * time.Millisecond)
	for _, f := range futs {
		require.False(t, f.IsDone())
	}

	dir.remove("b")
	a.OnNodeLeft("b")
	for _, f := range futs {
		_, err := f.GetTimeout(2 * time.Second)
		require.ErrorIs(t, err, recovery.ErrNodeLeft)
	}
}

func TestTransport_UnknownNode(t *testing.T) {
	dir := newDirectory()
	a, _ := startNode(t, dir, testConfig("a", 1))
	_, err := a.Send("ghost", frame(0), false).GetTimeout(time.Second)
	require.ErrorIs(t, err, ErrUnknownNode)
}

func TestTransport_RejectsStaleIncarnation(t *testing.T) {
	dir := newDirectory()
	_, recB := startNode(t, dir, testConfig("b", 1))

	// The directory knows "a" with order 2; a dialer claiming order 1 is an
	// old incarnation and must not be let in.
	dir.set("a", "127.0.0.1:1", 2)
	stale := New(testConfig("a", 1), Options{Directory: dir, Logger: zap.NewNop()})
	t.Cleanup(func() { _ = stale.Close() })

	f := stale.Send("b", frame(7), false)
	time.Sleep(100 * time.Millisecond)
	require.False(t, f.IsDone())
	require.Empty(t, recB.received("a"))
}

func TestTransport_AckRequestBoundsQueue(t *testing.T) {
	dir := newDirectory()
	cfg := testConfig("a", 1)
	cfg.UnackedQueueLimit = 4
	// Acks would otherwise only flow after 1000 messages or a long idle.
	cfg.Session.AckSendThreshold = 1000
	cfg.Session.AckIdleInterval = time.Hour
	a, _ := startNode(t, dir, cfg)

	bcfg := testConfig("b", 1)
	bcfg.Session = cfg.Session
	startNode(t, dir, bcfg)

	// Reaching the limit asks the peer for an ack, so each batch completes
	// without any threshold or idle ack.
	for batch := 0; batch < 3; batch++ {
		var futs []*future.Future[struct{}]
		for i := 0; i < 4; i++ {
			futs = append(futs, a.Send("b", frame(batch*4+i), false))
		}
		waitAll(t, futs)
	}
}

func TestTransport_TLS(t *testing.T) {
	server, client, err := tlsutil.SelfSigned("127.0.0.1")
	require.NoError(t, err)

	dir := newDirectory()
	cfgA := testConfig("a", 1)
	cfgA.ServerTLS, cfgA.Dialer.TLS = server, client
	cfgB := testConfig("b", 1)
	cfgB.ServerTLS, cfgB.Dialer.TLS = server, client

	a, _ := startNode(t, dir, cfgA)
	_, recB := startNode(t, dir, cfgB)

	var futs []*future.Future[struct{}]
	for i := 0; i < 10; i++ {
		futs = append(futs, a.Send("b", frame(i), false))
	}
	waitAll(t, futs)
	require.Equal(t, sequence(10), recB.received("a"))
}
