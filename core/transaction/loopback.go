package transaction

import (
	"context"
	"sync"

	"github.com/sushant-115/gojogrid/core/messaging/wire"
)

// loopback delivers messages a node sends to itself, in send order, on one
// goroutine. The queue is unbounded so a handler may send to itself.
type loopback struct {
	mu     sync.Mutex
	queue  []wire.Message
	signal chan struct{}
}

func newLoopback() *loopback {
	return &loopback{signal: make(chan struct{}, 1)}
}

func (l *loopback) push(m wire.Message) {
	l.mu.Lock()
	l.queue = append(l.queue, m)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *loopback) run(ctx context.Context, handle func(wire.Message)) {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, m := range batch {
			handle(m)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-l.signal:
		case <-ctx.Done():
			return
		}
	}
}
