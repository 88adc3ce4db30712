// Package recovery tracks, per remote node, which outbound messages are still
// unacknowledged and how many inbound messages were received, so a broken
// connection can be re-established without losing or reordering messages.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojogrid/core/messaging/wire"
	"github.com/sushant-115/gojogrid/pkg/future"
	"go.uber.org/zap"
)

// ErrNodeLeft fails every pending message future once the peer has left the
// cluster.
var ErrNodeLeft = errors.New("failed to send message, node has left")

// Node identifies a peer. Order distinguishes two incarnations of the same id.
type Node struct {
	ID    string
	Order uint64
}

func (n Node) String() string {
	return fmt.Sprintf("%s#%d", n.ID, n.Order)
}

// Liveness answers whether a node id is currently part of the cluster and
// with which order.
type Liveness interface {
	NodeOrder(id string) (order uint64, ok bool)
}

// Message is an outbound frame together with the future resolved once the
// peer acknowledges it.
type Message struct {
	Frame        wire.Frame
	SkipRecovery bool
	fut          *future.Future[struct{}]
}

// NewMessage wraps f. Messages with skipRecovery set are never queued and
// their future completes as soon as they are written.
func NewMessage(f wire.Frame, skipRecovery bool) *Message {
	return &Message{Frame: f, SkipRecovery: skipRecovery, fut: future.New[struct{}]()}
}

// Future is resolved when the message is acknowledged, or failed when the
// node leaves.
func (m *Message) Future() *future.Future[struct{}] {
	return m.fut
}

type handshakeRequest struct {
	id uint64
	c  func(reserved bool)
}

// Descriptor is the per-peer recovery state. All methods are safe for
// concurrent use.
type Descriptor struct {
	mu      sync.Mutex
	changed chan struct{}

	node Node
	log  *zap.Logger

	// acked is the number of acknowledged messages; queue holds the rest in
	// send order, so queue[i] carries sequence acked+i+1.
	acked     uint64
	queue     []*Message
	resendCnt int
	rcvCnt    uint64
	lastAck   atomic.Uint64

	reserved     bool
	connected    bool
	nodeLeft     bool
	handshakeReq *handshakeRequest
	connectCnt   uint64
}

// NewDescriptor returns the descriptor for node with room for queueSize
// unacknowledged messages before the queue grows.
func NewDescriptor(queueSize int, node Node, log *zap.Logger) *Descriptor {
	if queueSize <= 0 {
		queueSize = 128
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Descriptor{
		changed: make(chan struct{}),
		node:    node,
		queue:   make([]*Message, 0, queueSize),
		log:     log.With(zap.Stringer("peer", node)),
	}
}

// Node returns the peer this descriptor tracks.
func (d *Descriptor) Node() Node {
	return d.node
}

// IncrementConnectCount returns the current connect attempt count and
// advances it. The value is used as the handshake id.
func (d *Descriptor) IncrementConnectCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.connectCnt
	d.connectCnt++
	return n
}

// OnReceived increments the received messages counter.
func (d *Descriptor) OnReceived() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rcvCnt++
	return d.rcvCnt
}

// Accept records an inbound message carrying sequence seq. It returns false
// for a duplicate, i.e. a message at or below the received count, which the
// caller must drop. Messages outside recovery carry seq 0 and are accepted
// without being counted.
func (d *Descriptor) Accept(seq uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq == 0 {
		return d.rcvCnt, true
	}
	if seq <= d.rcvCnt {
		return d.rcvCnt, false
	}
	d.rcvCnt++
	return d.rcvCnt, true
}

// Received returns the number of received messages.
func (d *Descriptor) Received() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rcvCnt
}

// SetLastAcknowledged records the received count last reported to the peer.
func (d *Descriptor) SetLastAcknowledged(n uint64) {
	d.lastAck.Store(n)
}

// LastAcknowledged returns the received count last reported to the peer.
func (d *Descriptor) LastAcknowledged() uint64 {
	return d.lastAck.Load()
}

// Add enqueues m until the peer acknowledges it and stamps the frame with its
// sequence number. While a resend is in progress, re-added messages consume
// the resend budget instead of being queued twice.
func (d *Descriptor) Add(m *Message) {
	if m.SkipRecovery {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resendCnt > 0 {
		d.resendCnt--
		return
	}
	d.queue = append(d.queue, m)
	m.Frame.Seq = d.acked + uint64(len(d.queue))
}

// AckReceived completes, in FIFO order, every queued message up to rcvCnt.
func (d *Descriptor) AckReceived(rcvCnt uint64) {
	d.mu.Lock()
	done := d.ackLocked(rcvCnt)
	d.mu.Unlock()

	for _, m := range done {
		m.fut.Complete(struct{}{})
	}
}

func (d *Descriptor) ackLocked(rcvCnt uint64) []*Message {
	if ce := d.log.Check(zap.DebugLevel, "Handle acknowledgment"); ce != nil {
		ce.Write(zap.Uint64("acked", d.acked), zap.Uint64("rcvCnt", rcvCnt), zap.Int("queued", len(d.queue)))
	}
	var done []*Message
	for d.acked < rcvCnt {
		if len(d.queue) == 0 {
			d.log.Warn("Peer acknowledged more messages than were sent",
				zap.Uint64("acked", d.acked), zap.Uint64("rcvCnt", rcvCnt))
			break
		}
		done = append(done, d.queue[0])
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.acked++
	}
	return done
}

// Acked returns the number of acknowledged messages.
func (d *Descriptor) Acked() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Pending returns the unacknowledged messages in send order.
func (d *Descriptor) Pending() []*Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Message, len(d.queue))
	copy(out, d.queue)
	return out
}

// PendingCount returns the number of unacknowledged messages.
func (d *Descriptor) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// OnHandshake reconciles the queue with the peer's received count: everything
// the peer already has is acknowledged and the remainder is returned, in
// order, for a single resend over the new connection.
func (d *Descriptor) OnHandshake(rcvCnt uint64) []*Message {
	d.mu.Lock()
	done := d.ackLocked(rcvCnt)
	d.resendCnt = len(d.queue)
	resend := make([]*Message, len(d.queue))
	copy(resend, d.queue)
	d.mu.Unlock()

	for _, m := range done {
		m.fut.Complete(struct{}{})
	}
	return resend
}

// ResendPending returns how many re-added messages are still expected.
func (d *Descriptor) ResendPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resendCnt
}

// OnNodeLeft fails every pending future. If a handshake holds the
// reservation the failure is deferred until Release.
func (d *Descriptor) OnNodeLeft() {
	d.mu.Lock()
	if d.reserved {
		d.nodeLeft = true
		d.mu.Unlock()
		return
	}
	msgs := d.drainLocked()
	d.mu.Unlock()
	d.failAll(msgs)
}

// NodeAlive reports whether the peer is still in the cluster with the same
// order.
func (d *Descriptor) NodeAlive(l Liveness) bool {
	order, ok := l.NodeOrder(d.node.ID)
	return ok && order == d.node.Order
}

// Reserve blocks while another connection attempt holds the reservation. It
// returns true when the caller now owns it and false when the peer is already
// connected.
func (d *Descriptor) Reserve(ctx context.Context) (bool, error) {
	d.mu.Lock()
	for !d.connected && d.reserved {
		ch := d.changed
		d.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		d.mu.Lock()
	}
	if !d.connected {
		d.reserved = true
	}
	ok := !d.connected
	d.mu.Unlock()
	return ok, nil
}

// Connected marks the reserved descriptor as connected. A queued handshake
// request is rejected.
func (d *Descriptor) Connected() {
	d.mu.Lock()
	if !d.reserved || d.connected {
		d.mu.Unlock()
		panic(fmt.Sprintf("recovery: invalid connected transition [reserved=%v, connected=%v]", d.reserved, d.connected))
	}
	d.connected = true
	req := d.handshakeReq
	d.handshakeReq = nil
	d.notifyLocked()
	d.mu.Unlock()

	if req != nil {
		req.c(false)
	}
}

// Release drops the connection. A queued handshake request inherits the
// reservation, otherwise it is freed for the next Reserve.
func (d *Descriptor) Release() {
	d.mu.Lock()
	d.connected = false
	req := d.handshakeReq
	d.handshakeReq = nil
	if req == nil {
		d.reserved = false
	}
	var failed []*Message
	if d.nodeLeft && req == nil {
		failed = d.drainLocked()
	}
	d.notifyLocked()
	d.mu.Unlock()

	if req != nil {
		req.c(true)
	}
	d.failAll(failed)
}

// TryReserve attempts a non-blocking reservation for an inbound handshake
// with the given id. If the descriptor is busy the request is parked; when
// two requests compete the higher id wins and the loser is rejected. c is
// always invoked exactly once, possibly later, with the final outcome; the
// return value reports whether the reservation was granted immediately.
func (d *Descriptor) TryReserve(id uint64, c func(reserved bool)) bool {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		c(false)
		return false
	}
	if !d.reserved {
		d.reserved = true
		d.mu.Unlock()
		c(true)
		return true
	}

	var reject func(bool)
	switch {
	case d.handshakeReq == nil:
		d.handshakeReq = &handshakeRequest{id: id, c: c}
	case id > d.handshakeReq.id:
		reject = d.handshakeReq.c
		d.handshakeReq = &handshakeRequest{id: id, c: c}
	default:
		reject = c
	}
	d.mu.Unlock()

	if reject != nil {
		reject(false)
	}
	return false
}

// Reserved reports whether a connection attempt currently owns the descriptor.
func (d *Descriptor) Reserved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reserved
}

// IsConnected reports whether a connection is established.
func (d *Descriptor) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Descriptor) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Descriptor) drainLocked() []*Message {
	msgs := d.queue
	d.queue = nil
	d.resendCnt = 0
	return msgs
}

func (d *Descriptor) failAll(msgs []*Message) {
	if len(msgs) == 0 {
		return
	}
	err := fmt.Errorf("%w: %s", ErrNodeLeft, d.node.ID)
	for _, m := range msgs {
		m.fut.Fail(err)
	}
}

func (d *Descriptor) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("Descriptor{node=%s acked=%d queued=%d resend=%d rcv=%d reserved=%v connected=%v}",
		d.node, d.acked, len(d.queue), d.resendCnt, d.rcvCnt, d.reserved, d.connected)
}
