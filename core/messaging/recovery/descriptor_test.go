package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/messaging/wire"
)

func newTestDescriptor() *Descriptor {
	return NewDescriptor(8, Node{ID: "node-b", Order: 2}, zap.NewNop())
}

func addMessages(d *Descriptor, n int) []*Message {
	msgs := make([]*Message, n)
	for i := range msgs {
		msgs[i] = NewMessage(wire.Frame{Type: wire.FirstUserType, Payload: []byte{byte(i)}}, false)
		d.Add(msgs[i])
	}
	return msgs
}

type staticLiveness map[string]uint64

func (s staticLiveness) NodeOrder(id string) (uint64, bool) {
	o, ok := s[id]
	return o, ok
}

func TestDescriptor_AddAssignsSequence(t *testing.T) {
	d := newTestDescriptor()
	msgs := addMessages(d, 3)
	for i, m := range msgs {
		require.Equal(t, uint64(i+1), m.Frame.Seq)
	}

	skip := NewMessage(wire.Frame{Type: wire.TypePing}, true)
	d.Add(skip)
	require.Equal(t, 3, d.PendingCount(), "skip-recovery messages are never queued")
}

func TestDescriptor_AckReceivedIsFIFO(t *testing.T) {
	d := newTestDescriptor()
	msgs := addMessages(d, 5)

	d.AckReceived(2)
	require.True(t, msgs[0].Future().IsDone())
	require.True(t, msgs[1].Future().IsDone())
	require.False(t, msgs[2].Future().IsDone())
	require.Equal(t, 3, d.PendingCount())

	// A stale ack is a no-op.
	d.AckReceived(1)
	require.Equal(t, uint64(2), d.Acked())

	d.AckReceived(5)
	for _, m := range msgs {
		_, err, ok := m.Future().Result()
		require.True(t, ok)
		require.NoError(t, err)
	}
	require.Zero(t, d.PendingCount())
}

func TestDescriptor_HandshakeResendsUnacknowledged(t *testing.T) {
	d := newTestDescriptor()
	msgs := addMessages(d, 5)

	resend := d.OnHandshake(3)

	for i := 0; i < 3; i++ {
		require.True(t, msgs[i].Future().IsDone(), "message %d must resolve on handshake", i+1)
	}
	require.Len(t, resend, 2)
	require.Same(t, msgs[3], resend[0])
	require.Same(t, msgs[4], resend[1])
	require.Equal(t, 2, d.ResendPending())

	// Re-adding during the resend consumes the budget without duplicating
	// queue entries or sequence numbers.
	for _, m := range resend {
		d.Add(m)
	}
	require.Zero(t, d.ResendPending())
	require.Equal(t, 2, d.PendingCount())
	require.Equal(t, uint64(4), resend[0].Frame.Seq)
	require.Equal(t, uint64(5), resend[1].Frame.Seq)

	next := addMessages(d, 1)[0]
	require.Equal(t, uint64(6), next.Frame.Seq)
}

func TestDescriptor_AcceptSuppressesDuplicates(t *testing.T) {
	d := newTestDescriptor()
	for seq := uint64(1); seq <= 3; seq++ {
		_, ok := d.Accept(seq)
		require.True(t, ok)
	}
	_, ok := d.Accept(2)
	require.False(t, ok)
	_, ok = d.Accept(3)
	require.False(t, ok)
	n, ok := d.Accept(4)
	require.True(t, ok)
	require.Equal(t, uint64(4), n)
	require.Equal(t, uint64(4), d.Received())
}

func TestDescriptor_NodeLeftFailsPending(t *testing.T) {
	d := newTestDescriptor()
	msgs := addMessages(d, 2)

	d.OnNodeLeft()
	for _, m := range msgs {
		_, err, ok := m.Future().Result()
		require.True(t, ok)
		require.ErrorIs(t, err, ErrNodeLeft)
	}
}

func TestDescriptor_NodeLeftDeferredWhileReserved(t *testing.T) {
	d := newTestDescriptor()
	ok, err := d.Reserve(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	msgs := addMessages(d, 1)
	d.OnNodeLeft()
	require.False(t, msgs[0].Future().IsDone())

	d.Release()
	_, err, done := msgs[0].Future().Result()
	require.True(t, done)
	require.ErrorIs(t, err, ErrNodeLeft)
}

func TestDescriptor_NodeAliveChecksOrder(t *testing.T) {
	d := newTestDescriptor()
	require.True(t, d.NodeAlive(staticLiveness{"node-b": 2}))
	require.False(t, d.NodeAlive(staticLiveness{"node-b": 5}), "rejoined node is a different incarnation")
	require.False(t, d.NodeAlive(staticLiveness{}))
}

func TestDescriptor_ReserveSerializesConnectAttempts(t *testing.T) {
	d := newTestDescriptor()
	ok, err := d.Reserve(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	got := make(chan bool, 1)
	go func() {
		ok, _ := d.Reserve(context.Background())
		got <- ok
	}()

	select {
	case <-got:
		t.Fatal("second reserve must block while the first holds the reservation")
	case <-time.After(20 * time.Millisecond):
	}

	d.Release()
	select {
	case ok := <-got:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("reserve did not unblock after release")
	}
}

func TestDescriptor_ReserveReturnsFalseWhenConnected(t *testing.T) {
	d := newTestDescriptor()
	ok, _ := d.Reserve(context.Background())
	require.True(t, ok)
	d.Connected()

	ok, err := d.Reserve(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDescriptor_ReserveHonoursContext(t *testing.T) {
	d := newTestDescriptor()
	_, _ = d.Reserve(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Reserve(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDescriptor_TryReserveHigherIDWins(t *testing.T) {
	d := newTestDescriptor()

	var mu sync.Mutex
	outcomes := map[uint64]bool{}
	record := func(id uint64) func(bool) {
		return func(reserved bool) {
			mu.Lock()
			outcomes[id] = reserved
			mu.Unlock()
		}
	}

	require.True(t, d.TryReserve(1, record(1)))
	require.False(t, d.TryReserve(5, record(5)))
	require.False(t, d.TryReserve(3, record(3)))
	require.False(t, d.TryReserve(7, record(7)))

	mu.Lock()
	require.True(t, outcomes[1])
	require.False(t, outcomes[3], "lower id loses against the parked request")
	require.False(t, outcomes[5], "parked request is displaced by a higher id")
	_, decided := outcomes[7]
	require.False(t, decided)
	mu.Unlock()

	// The first connection goes away: the parked request inherits it.
	d.Release()
	mu.Lock()
	require.True(t, outcomes[7])
	mu.Unlock()
	require.True(t, d.Reserved())
}

func TestDescriptor_ConnectedRejectsParkedRequest(t *testing.T) {
	d := newTestDescriptor()
	require.True(t, d.TryReserve(1, func(bool) {}))

	var got *bool
	d.TryReserve(2, func(r bool) { got = &r })
	d.Connected()
	require.NotNil(t, got)
	require.False(t, *got)

	var again *bool
	d.TryReserve(3, func(r bool) { again = &r })
	require.NotNil(t, again)
	require.False(t, *again, "connected descriptor rejects immediately")
}
