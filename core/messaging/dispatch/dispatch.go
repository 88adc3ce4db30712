// Package dispatch routes inbound frames to handlers by message type. Work is
// executed on a striped worker pool: frames from one peer always land on the
// same worker, which keeps their order while never running protocol code on
// the network goroutines.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/messaging/wire"
)

// HandlerFunc processes one decoded message from a peer.
type HandlerFunc func(ctx context.Context, from string, msg wire.Message)

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

type task struct {
	from  string
	frame wire.Frame
	done  func()
}

// Dispatcher implements the transport handler.
type Dispatcher struct {
	cfg      Config
	registry *wire.Registry
	log      *zap.Logger

	mu       sync.RWMutex
	handlers map[wire.MessageType]HandlerFunc

	queues []chan task
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// New creates a dispatcher decoding frames with registry.
func New(cfg Config, registry *wire.Registry, log *zap.Logger) *Dispatcher {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		log:      log.Named("dispatch"),
		handlers: make(map[wire.MessageType]HandlerFunc),
		queues:   make([]chan task, cfg.Workers),
	}
	for i := range d.queues {
		d.queues[i] = make(chan task, cfg.QueueSize)
	}
	return d
}

// Register binds a message type to its factory and handler.
func (d *Dispatcher) Register(t wire.MessageType, factory func() wire.Message, h HandlerFunc) {
	d.registry.Register(t, factory)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[t]; dup {
		panic(fmt.Sprintf("dispatch: handler for type %d registered twice", t))
	}
	d.handlers[t] = h
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, d.queues[i])
	}
}

// Stop terminates the workers and waits for them.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
	})
	d.wg.Wait()
}

// HandleMessage queues f on the worker owning from. It blocks while that
// worker's queue is full, which in turn stalls the reading session.
func (d *Dispatcher) HandleMessage(from string, f wire.Frame, done func()) {
	idx := xxhash.Sum64String(from) % uint64(len(d.queues))
	d.queues[idx] <- task{from: from, frame: f, done: done}
}

func (d *Dispatcher) worker(ctx context.Context, q chan task) {
	defer d.wg.Done()
	for {
		select {
		case t := <-q:
			d.process(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, t task) {
	defer t.done()

	d.mu.RLock()
	h, ok := d.handlers[t.frame.Type]
	d.mu.RUnlock()
	if !ok {
		d.log.Warn("No handler for message type", zap.String("from", t.from), zap.Uint8("type", uint8(t.frame.Type)))
		return
	}
	msg, err := d.registry.Unmarshal(t.frame.Type, t.frame.Payload)
	if err != nil {
		d.log.Error("Failed to unmarshal message", zap.String("from", t.from),
			zap.Uint8("type", uint8(t.frame.Type)), zap.Error(err))
		return
	}
	h(ctx, t.from, msg)
}
