// Package transport manages the node-to-node links. Every ordered pair of
// nodes uses its own TCP connection: the dialing side owns the outbound
// recovery descriptor of the pair, the accepting side the inbound one. A
// dropped connection is re-established transparently and unacknowledged
// messages are resent so callers only observe a failure when the peer has
// left the cluster.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/messaging/recovery"
	"github.com/sushant-115/gojogrid/core/messaging/session"
	"github.com/sushant-115/gojogrid/core/messaging/wire"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"github.com/sushant-115/gojogrid/pkg/connection"
	"github.com/sushant-115/gojogrid/pkg/future"
)

var (
	// ErrUnknownNode is returned for a destination the directory does not know.
	ErrUnknownNode = errors.New("transport: unknown node")
	// ErrNotConnected fails a skip-recovery message when no link is up.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrStopped is returned after Close.
	ErrStopped = errors.New("transport: stopped")

	errHandshakeRejected = errors.New("handshake rejected")
)

// Directory resolves node ids to addresses and incarnations.
type Directory interface {
	Address(nodeID string) (string, bool)
	NodeOrder(nodeID string) (uint64, bool)
}

// Handler consumes inbound user frames. It runs on the session read
// goroutine; done must be called once processing finished.
type Handler interface {
	HandleMessage(from string, f wire.Frame, done func())
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(from string, f wire.Frame, done func())

// HandleMessage implements Handler.
func (h HandlerFunc) HandleMessage(from string, f wire.Frame, done func()) {
	h(from, f, done)
}

// Config configures a Transport.
type Config struct {
	NodeID     string
	NodeOrder  uint64
	ListenAddr string
	// HandshakeTimeout bounds the handshake exchange on a new connection.
	HandshakeTimeout time.Duration
	// UnackedQueueLimit is the outbound queue length at which the sender
	// asks the peer for an immediate acknowledgement.
	UnackedQueueLimit int
	// RecoveryQueueSize is the initial capacity of a recovery queue.
	RecoveryQueueSize int
	Session           session.Config
	Dialer            connection.Config
	// ServerTLS enables TLS on the listener. The dialer side is configured
	// through Dialer.TLS.
	ServerTLS *tls.Config
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.UnackedQueueLimit <= 0 {
		c.UnackedQueueLimit = 4096
	}
	if c.RecoveryQueueSize <= 0 {
		c.RecoveryQueueSize = 128
	}
}

// Options carries the collaborators of a Transport.
type Options struct {
	Directory Directory
	Handler   Handler
	Logger    *zap.Logger
	Metrics   *internaltelemetry.MessagingMetrics
}

type peer struct {
	id    string
	order uint64
	out   *recovery.Descriptor
	in    *recovery.Descriptor

	// sendMu orders sequence assignment with writes and with the resend
	// after a handshake.
	sendMu      sync.Mutex
	outSess     *session.Session
	ackReqSent  bool
	ackReqAcked uint64
	connecting  atomic.Bool

	inMu   sync.Mutex
	inSess *session.Session
}

// Transport is the messaging endpoint of the local node.
type Transport struct {
	cfg     Config
	dir     Directory
	handler Handler
	dialer  *connection.Dialer
	log     *zap.Logger
	metrics *internaltelemetry.MessagingMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[string]*peer
	ln    net.Listener
}

// New creates a transport. Call Listen to accept connections.
func New(cfg Config, opts Options) *Transport {
	cfg.setDefaults()
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	handler := opts.Handler
	if handler == nil {
		handler = HandlerFunc(func(_ string, _ wire.Frame, done func()) { done() })
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		dir:     opts.Directory,
		handler: handler,
		dialer:  connection.NewDialer(cfg.Dialer),
		log:     log.Named("transport").With(zap.String("node", cfg.NodeID)),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*peer),
	}
}

// LocalNode returns the id of the local node.
func (t *Transport) LocalNode() string {
	return t.cfg.NodeID
}

// Listen binds the listener and starts accepting connections.
func (t *Transport) Listen() error {
	ln, err := connection.Listen(t.cfg.ListenAddr, t.cfg.ServerTLS)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()

	t.log.Info("Transport listening", zap.String("addr", ln.Addr().String()))
	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Close stops accepting, closes every session and fails pending sends.
func (t *Transport) Close() error {
	t.cancel()
	t.mu.Lock()
	ln := t.ln
	peers := t.peers
	t.peers = make(map[string]*peer)
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, p := range peers {
		t.closePeer(p)
	}
	t.wg.Wait()
	return nil
}

// Send queues f for delivery to nodeID. The returned future completes once
// the peer acknowledged the message, or fails when the peer left.
// Skip-recovery frames complete once written and are never resent.
func (t *Transport) Send(nodeID string, f wire.Frame, skipRecovery bool) *future.Future[struct{}] {
	if t.ctx.Err() != nil {
		return future.Failed[struct{}](ErrStopped)
	}
	p, err := t.peer(nodeID)
	if err != nil {
		return future.Failed[struct{}](err)
	}

	m := recovery.NewMessage(f, skipRecovery)

	p.sendMu.Lock()
	s := p.outSess
	if skipRecovery && s == nil {
		p.sendMu.Unlock()
		t.triggerConnect(p)
		return future.Failed[struct{}](fmt.Errorf("%w: %s", ErrNotConnected, nodeID))
	}
	p.out.Add(m)
	if !skipRecovery {
		t.metrics.Unacked(1)
	}
	if s != nil {
		// On failure the message stays queued and goes out with the resend.
		_ = s.Send(m)
		t.maybeRequestAck(p, s)
	}
	p.sendMu.Unlock()

	if s == nil {
		t.triggerConnect(p)
	}
	return m.Future()
}

// maybeRequestAck asks the peer for an acknowledgement when the outbound
// queue grew past the limit. At most one request is outstanding per
// acknowledged position. Called with p.sendMu held.
func (t *Transport) maybeRequestAck(p *peer, s *session.Session) {
	if p.out.PendingCount() < t.cfg.UnackedQueueLimit {
		return
	}
	acked := p.out.Acked()
	if p.ackReqSent && acked == p.ackReqAcked {
		return
	}
	p.ackReqSent = true
	p.ackReqAcked = acked
	_ = s.WriteFrame(wire.Frame{Type: wire.TypeAckRequest})
}

// OnNodeLeft drops every link to nodeID and fails its pending messages.
func (t *Transport) OnNodeLeft(nodeID string) {
	t.mu.Lock()
	p, ok := t.peers[nodeID]
	delete(t.peers, nodeID)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.log.Info("Peer left, failing pending messages", zap.String("peer", nodeID),
		zap.Int("pending", p.out.PendingCount()))
	t.closePeer(p)
	if addr, ok := t.dir.Address(nodeID); ok {
		t.dialer.Forget(addr)
	}
}

func (t *Transport) closePeer(p *peer) {
	p.out.OnNodeLeft()
	p.in.OnNodeLeft()

	p.sendMu.Lock()
	out := p.outSess
	p.sendMu.Unlock()
	p.inMu.Lock()
	in := p.inSess
	p.inMu.Unlock()

	if out != nil {
		_ = out.Close()
	}
	if in != nil {
		_ = in.Close()
	}
}

// peer returns the link state of nodeID, replacing it when the node rejoined
// with a new order.
func (t *Transport) peer(nodeID string) (*peer, error) {
	order, ok := t.dir.NodeOrder(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	t.mu.Lock()
	p, ok := t.peers[nodeID]
	var stale *peer
	if ok && p.order != order {
		stale, ok = p, false
	}
	if !ok {
		node := recovery.Node{ID: nodeID, Order: order}
		p = &peer{
			id:    nodeID,
			order: order,
			out:   recovery.NewDescriptor(t.cfg.RecoveryQueueSize, node, t.log.Named("out")),
			in:    recovery.NewDescriptor(t.cfg.RecoveryQueueSize, node, t.log.Named("in")),
		}
		t.peers[nodeID] = p
	}
	t.mu.Unlock()

	if stale != nil {
		t.log.Info("Peer rejoined with a new order", zap.String("peer", nodeID),
			zap.Uint64("oldOrder", stale.order), zap.Uint64("order", order))
		t.closePeer(stale)
	}
	return p, nil
}

func (t *Transport) triggerConnect(p *peer) {
	if !p.connecting.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer p.connecting.Store(false)
		t.connect(p)
	}()
}

// connect establishes the outbound link of p, retrying until it is up, the
// queue is empty or the peer left.
func (t *Transport) connect(p *peer) {
	for {
		if t.ctx.Err() != nil {
			return
		}
		if !p.out.NodeAlive(t.dir) {
			p.out.OnNodeLeft()
			return
		}
		reserved, err := p.out.Reserve(t.ctx)
		if err != nil || !reserved {
			return
		}
		err = t.dialAndHandshake(p)
		if err == nil {
			return
		}
		p.out.Release()
		t.log.Debug("Failed to connect to peer", zap.String("peer", p.id), zap.Error(err))
		if p.out.PendingCount() == 0 {
			return
		}
	}
}

func (t *Transport) dialAndHandshake(p *peer) error {
	addr, ok := t.dir.Address(p.id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, p.id)
	}
	conn, err := t.dialer.Dial(t.ctx, addr)
	if err != nil {
		return err
	}

	_ = conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	hs := wire.EncodeHandshake(wire.Handshake{
		NodeID:    t.cfg.NodeID,
		NodeOrder: t.cfg.NodeOrder,
		ConnectID: p.out.IncrementConnectCount(),
		Received:  p.in.Received(),
	})
	if _, err := conn.Write(wire.AppendFrame(nil, hs)); err != nil {
		conn.Close()
		return fmt.Errorf("write handshake: %w", err)
	}

	parser := wire.NewParser(t.sessionMaxFrame())
	f, err := readFrame(conn, parser)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read handshake reply: %w", err)
	}
	if f.Type != wire.TypeHandshakeReply {
		conn.Close()
		return fmt.Errorf("unexpected handshake reply %s", f)
	}
	reply, err := wire.DecodeHandshakeReply(f.Payload)
	if err != nil {
		conn.Close()
		return fmt.Errorf("decode handshake reply: %w", err)
	}
	if !reply.Accepted {
		conn.Close()
		return errHandshakeRejected
	}
	_ = conn.SetDeadline(time.Time{})

	s := session.New(conn, p.id, t.cfg.Session, session.Options{
		Out:      p.out,
		Parser:   parser,
		Listener: &outListener{t: t, p: p},
		Logger:   t.log,
		Metrics:  t.metrics,
	})
	s.Start()

	p.sendMu.Lock()
	resend := p.out.OnHandshake(reply.Received)
	for _, m := range resend {
		p.out.Add(m)
		_ = s.Send(m)
	}
	p.outSess = s
	p.out.Connected()
	p.ackReqSent = false
	t.maybeRequestAck(p, s)
	p.sendMu.Unlock()

	t.metrics.Handshake(p.id, false)
	t.metrics.Resent(p.id, len(resend))
	if len(resend) > 0 {
		t.log.Info("Resent unacknowledged messages after reconnect", zap.String("peer", p.id),
			zap.Int("count", len(resend)), zap.Uint64("peerReceived", reply.Received))
	}
	return nil
}

func (t *Transport) sessionMaxFrame() int {
	if t.cfg.Session.MaxFrameSize > 0 {
		return t.cfg.Session.MaxFrameSize
	}
	return wire.DefaultMaxFrameSize
}

func readFrame(conn net.Conn, parser *wire.Parser) (wire.Frame, error) {
	buf := make([]byte, 4096)
	for {
		f, st, err := parser.Next()
		if err != nil {
			return wire.Frame{}, err
		}
		if st == wire.StatusFrame {
			return f, nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
			continue
		}
		if err != nil {
			return wire.Frame{}, err
		}
	}
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("Accept failed", zap.Error(err))
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleInbound(conn)
		}()
	}
}

func (t *Transport) handleInbound(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	parser := wire.NewParser(t.sessionMaxFrame())
	f, err := readFrame(conn, parser)
	if err != nil {
		t.log.Debug("Failed to read handshake", zap.Error(err))
		conn.Close()
		return
	}
	if f.Type != wire.TypeHandshake {
		t.log.Warn("First frame is not a handshake", zap.Stringer("frame", f))
		conn.Close()
		return
	}
	hs, err := wire.DecodeHandshake(f.Payload)
	if err != nil {
		t.log.Warn("Malformed handshake", zap.Error(err))
		conn.Close()
		return
	}

	reject := func() {
		_, _ = conn.Write(wire.AppendFrame(nil, wire.EncodeHandshakeReply(wire.HandshakeReply{})))
		conn.Close()
	}
	p, err := t.peer(hs.NodeID)
	if err != nil || p.order != hs.NodeOrder {
		t.log.Warn("Rejecting handshake from unknown node", zap.String("peer", hs.NodeID),
			zap.Uint64("order", hs.NodeOrder))
		reject()
		return
	}

	p.in.TryReserve(hs.ConnectID, func(reserved bool) {
		if !reserved {
			reject()
			return
		}
		t.acceptSession(p, conn, parser, hs)
	})
}

func (t *Transport) acceptSession(p *peer, conn net.Conn, parser *wire.Parser, hs wire.Handshake) {
	reply := wire.EncodeHandshakeReply(wire.HandshakeReply{Accepted: true, Received: p.in.Received()})
	if _, err := conn.Write(wire.AppendFrame(nil, reply)); err != nil {
		t.log.Debug("Failed to write handshake reply", zap.String("peer", p.id), zap.Error(err))
		conn.Close()
		p.in.Release()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	// The dialer's received count covers what we sent over our own link.
	p.out.AckReceived(hs.Received)

	s := session.New(conn, p.id, t.cfg.Session, session.Options{
		In:       p.in,
		Parser:   parser,
		Listener: &inListener{t: t, p: p},
		Logger:   t.log,
		Metrics:  t.metrics,
	})
	p.inMu.Lock()
	p.inSess = s
	p.inMu.Unlock()
	p.in.Connected()
	s.Start()
	t.metrics.Handshake(p.id, true)
}

type outListener struct {
	t *Transport
	p *peer
}

func (l *outListener) OnMessage(_ *session.Session, f wire.Frame, done func()) {
	l.t.log.Warn("Unexpected message on outbound link", zap.String("peer", l.p.id), zap.Stringer("frame", f))
	done()
}

func (l *outListener) OnClosed(s *session.Session, err error) {
	_ = s.Close()
	p := l.p
	p.sendMu.Lock()
	if p.outSess == s {
		p.outSess = nil
	}
	p.sendMu.Unlock()
	p.out.Release()

	if l.t.ctx.Err() != nil {
		return
	}
	if p.out.PendingCount() > 0 {
		l.t.triggerConnect(p)
	}
}

type inListener struct {
	t *Transport
	p *peer
}

func (l *inListener) OnMessage(_ *session.Session, f wire.Frame, done func()) {
	l.t.handler.HandleMessage(l.p.id, f, done)
}

func (l *inListener) OnClosed(s *session.Session, _ error) {
	_ = s.Close()
	p := l.p
	p.inMu.Lock()
	if p.inSess == s {
		p.inSess = nil
	}
	p.inMu.Unlock()
	p.in.Release()
}
