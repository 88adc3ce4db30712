// Package session implements the reliable session layer: ordered, framed
// message exchange over one connection with acknowledgement piggybacking and
// read backpressure.
package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojogrid/core/messaging/recovery"
	"github.com/sushant-115/gojogrid/core/messaging/wire"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"go.uber.org/zap"
)

// ErrClosed is returned when writing to a closed session.
var ErrClosed = errors.New("session closed")

// Listener receives session events. OnMessage runs on the session's read
// goroutine and must hand the message off quickly; done must be called once
// the message has been processed so backpressure can be released.
type Listener interface {
	OnMessage(s *Session, f wire.Frame, done func())
	OnClosed(s *Session, err error)
}

// Config controls session behavior.
type Config struct {
	// MessageQueueLimit is the number of delivered but unprocessed inbound
	// messages at which reads pause. Zero disables backpressure.
	MessageQueueLimit int
	// AckSendThreshold sends an acknowledgement after this many received
	// messages.
	AckSendThreshold int
	// AckIdleInterval flushes a pending acknowledgement when no threshold was
	// reached for this long.
	AckIdleInterval time.Duration
	// WriteQueueSize is the capacity of the outbound frame queue.
	WriteQueueSize int
	// MaxFrameSize bounds a single inbound frame.
	MaxFrameSize int
	// ReadBufferSize is the size of a single socket read.
	ReadBufferSize int
}

func (c *Config) setDefaults() {
	if c.AckSendThreshold <= 0 {
		c.AckSendThreshold = 16
	}
	if c.AckIdleInterval <= 0 {
		c.AckIdleInterval = 200 * time.Millisecond
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = 1024
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 32 * 1024
	}
}

// Options carries the collaborators of a session.
type Options struct {
	// In counts inbound messages and suppresses duplicates. Nil for a
	// session that only sends.
	In *recovery.Descriptor
	// Out holds the unacknowledged outbound messages. Nil for a session that
	// only receives.
	Out *recovery.Descriptor
	// Parser continues decoding bytes already read during the handshake.
	Parser   *wire.Parser
	Listener Listener
	Logger   *zap.Logger
	Metrics  *internaltelemetry.MessagingMetrics
}

type outbound struct {
	frame wire.Frame
	msg   *recovery.Message
}

// Session is one established connection to a peer.
type Session struct {
	conn    net.Conn
	peer    string
	cfg     Config
	in      *recovery.Descriptor
	out     *recovery.Descriptor
	parser  *wire.Parser
	lsnr    Listener
	log     *zap.Logger
	metrics *internaltelemetry.MessagingMetrics

	writeCh chan outbound

	mu          sync.Mutex
	paused      bool
	autoPaused  bool
	resume      chan struct{}
	inflight    atomic.Int64
	sinceAck    atomic.Int64
	closeOnce   sync.Once
	closed      chan struct{}
	err         error
	wg          sync.WaitGroup
	startedOnce sync.Once
}

// New wraps conn. Call Start to begin reading and writing.
func New(conn net.Conn, peer string, cfg Config, opts Options) *Session {
	cfg.setDefaults()
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	parser := opts.Parser
	if parser == nil {
		parser = wire.NewParser(cfg.MaxFrameSize)
	}
	return &Session{
		conn:    conn,
		peer:    peer,
		cfg:     cfg,
		in:      opts.In,
		out:     opts.Out,
		parser:  parser,
		lsnr:    opts.Listener,
		log:     log.With(zap.String("peer", peer), zap.String("remoteAddr", remoteAddr(conn))),
		metrics: opts.Metrics,
		writeCh: make(chan outbound, cfg.WriteQueueSize),
		closed:  make(chan struct{}),
	}
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// Peer returns the remote node id.
func (s *Session) Peer() string {
	return s.peer
}

// Start launches the read, write and idle-ack goroutines.
func (s *Session) Start() {
	s.startedOnce.Do(func() {
		s.wg.Add(2)
		go s.writeLoop()
		go s.readLoop()
		if s.in != nil {
			s.wg.Add(1)
			go s.ackLoop()
		}
	})
}

// Send queues a recoverable message for writing. The caller must already have
// added it to the outbound recovery descriptor so it carries its sequence.
func (s *Session) Send(m *recovery.Message) error {
	return s.enqueue(outbound{frame: m.Frame, msg: m})
}

// WriteFrame queues a control frame.
func (s *Session) WriteFrame(f wire.Frame) error {
	return s.enqueue(outbound{frame: f})
}

func (s *Session) enqueue(o outbound) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.writeCh <- o:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	w := bufio.NewWriterSize(s.conn, 64*1024)
	var buf []byte
	for {
		var o outbound
		select {
		case o = <-s.writeCh:
		case <-s.closed:
			return
		}

		var written []*recovery.Message
		n := 0
		for {
			buf = wire.AppendFrame(buf[:0], o.frame)
			if _, err := w.Write(buf); err != nil {
				s.closeWithError(fmt.Errorf("write frame: %w", err))
				return
			}
			if o.msg != nil {
				written = append(written, o.msg)
			}
			if !o.frame.IsSystem() {
				n++
			}
			more := false
			select {
			case o = <-s.writeCh:
				more = true
			default:
			}
			if !more {
				break
			}
		}
		if err := w.Flush(); err != nil {
			s.closeWithError(fmt.Errorf("flush: %w", err))
			return
		}
		for _, m := range written {
			if m.SkipRecovery {
				m.Future().Complete(struct{}{})
			}
		}
		s.metrics.Sent(s.peer, n)
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		if err := s.drainParser(); err != nil {
			s.closeWithError(err)
			return
		}
		if !s.waitReadable() {
			return
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.parser.Feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.closeWithError(nil)
			} else {
				s.closeWithError(fmt.Errorf("read: %w", err))
			}
			return
		}
	}
}

// drainParser dispatches every complete buffered frame, stopping early while
// reads are paused.
func (s *Session) drainParser() error {
	for {
		if s.ReadsPaused() {
			return nil
		}
		f, st, err := s.parser.Next()
		if err != nil {
			return err
		}
		if st == wire.StatusNeedMoreData {
			return nil
		}
		s.handleFrame(f)
	}
}

// waitReadable blocks while reads are paused. It returns false once the
// session is closed.
func (s *Session) waitReadable() bool {
	for {
		s.mu.Lock()
		if !s.paused {
			s.mu.Unlock()
			return true
		}
		ch := s.resume
		s.mu.Unlock()
		select {
		case <-ch:
			if err := s.drainParser(); err != nil {
				s.closeWithError(err)
				return false
			}
		case <-s.closed:
			return false
		}
	}
}

func (s *Session) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeAck:
		if s.out != nil {
			before := s.out.PendingCount()
			s.out.AckReceived(f.Seq)
			s.metrics.Unacked(int64(s.out.PendingCount() - before))
		}
		return
	case wire.TypeAckRequest:
		s.sendAck()
		return
	case wire.TypePing:
		return
	case wire.TypeHandshake, wire.TypeHandshakeReply:
		s.log.Warn("Unexpected handshake frame on established session", zap.Stringer("frame", f))
		return
	}

	if s.in != nil {
		if _, ok := s.in.Accept(f.Seq); !ok {
			s.metrics.DuplicateDropped(s.peer)
			if ce := s.log.Check(zap.DebugLevel, "Dropped duplicate message"); ce != nil {
				ce.Write(zap.Uint64("seq", f.Seq))
			}
			return
		}
		if f.Seq != 0 && s.sinceAck.Add(1) >= int64(s.cfg.AckSendThreshold) {
			s.sendAck()
		}
	}
	s.metrics.Received(s.peer)

	if limit := s.cfg.MessageQueueLimit; limit > 0 && s.inflight.Add(1) >= int64(limit) {
		s.pause(true)
	}

	var once sync.Once
	done := func() {
		once.Do(s.onProcessed)
	}
	if s.lsnr == nil {
		done()
		return
	}
	s.lsnr.OnMessage(s, f, done)
}

func (s *Session) onProcessed() {
	limit := s.cfg.MessageQueueLimit
	if limit <= 0 {
		return
	}
	if s.inflight.Add(-1) < int64(limit) {
		s.mu.Lock()
		auto := s.autoPaused
		s.mu.Unlock()
		if auto {
			s.resumeReads(true)
		}
	}
}

func (s *Session) sendAck() {
	if s.in == nil {
		return
	}
	n := s.in.Received()
	s.sinceAck.Store(0)
	if n == s.in.LastAcknowledged() {
		return
	}
	if err := s.WriteFrame(wire.AckFrame(n)); err != nil {
		return
	}
	s.in.SetLastAcknowledged(n)
}

func (s *Session) ackLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.AckIdleInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if s.in.Received() != s.in.LastAcknowledged() {
				s.sendAck()
			}
		case <-s.closed:
			return
		}
	}
}

// PauseReads stops decoding inbound messages until ResumeReads is called.
func (s *Session) PauseReads() {
	s.pause(false)
}

func (s *Session) pause(auto bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		if !auto {
			s.autoPaused = false
		}
		return
	}
	s.paused = true
	s.autoPaused = auto
	s.resume = make(chan struct{})
	s.metrics.Paused(1)
	if ce := s.log.Check(zap.DebugLevel, "Paused reads"); ce != nil {
		ce.Write(zap.Bool("backpressure", auto), zap.Int64("inflight", s.inflight.Load()))
	}
}

// ResumeReads resumes decoding after PauseReads.
func (s *Session) ResumeReads() {
	s.resumeReads(false)
}

func (s *Session) resumeReads(auto bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || (auto && !s.autoPaused) {
		return
	}
	s.paused = false
	s.autoPaused = false
	close(s.resume)
	s.metrics.Paused(-1)
}

// ReadsPaused reports whether inbound decoding is paused.
func (s *Session) ReadsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// InFlight returns the number of delivered but unprocessed messages.
func (s *Session) InFlight() int {
	return int(s.inflight.Load())
}

// Close shuts the session down.
func (s *Session) Close() error {
	s.closeWithError(nil)
	s.wg.Wait()
	return nil
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closed)
		_ = s.conn.Close()
		if err != nil {
			s.log.Info("Session closed", zap.Error(err))
		} else {
			s.log.Debug("Session closed")
		}
		if s.lsnr != nil {
			go s.lsnr.OnClosed(s, err)
		}
	})
}
