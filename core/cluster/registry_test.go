package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_JoinAssignsIncreasingOrders(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Join(NodeInfo{ID: "a", Addr: "127.0.0.1:1"})
	b := r.Join(NodeInfo{ID: "b", Addr: "127.0.0.1:2"})
	require.Less(t, a.Order, b.Order)

	c := r.Join(NodeInfo{ID: "c", Order: 42})
	require.Equal(t, uint64(42), c.Order)
	d := r.Join(NodeInfo{ID: "d"})
	require.Equal(t, uint64(43), d.Order)

	require.Equal(t, []string{"a", "b", "c", "d"}, r.LiveNodes())
	addr, ok := r.Address("b")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:2", addr)
}

func TestRegistry_LeaveNotifiesSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	r.Join(NodeInfo{ID: "a"})
	r.Join(NodeInfo{ID: "b"})

	var left []string
	unsub := r.OnNodeLeft(func(id string) { left = append(left, id) })

	require.True(t, r.Leave("a"))
	require.False(t, r.Leave("a"))
	require.False(t, r.NodeAlive("a"))
	require.Equal(t, []string{"a"}, left)

	unsub()
	require.True(t, r.Leave("b"))
	require.Equal(t, []string{"a"}, left)
	require.Empty(t, r.Nodes())
}

func TestRegistry_RejoinReportsOldIncarnation(t *testing.T) {
	r := NewRegistry(nil)
	first := r.Join(NodeInfo{ID: "a"})

	var left []string
	r.OnNodeLeft(func(id string) { left = append(left, id) })

	// Same incarnation again is not a departure.
	r.Join(first)
	require.Empty(t, left)

	second := r.Join(NodeInfo{ID: "a"})
	require.Greater(t, second.Order, first.Order)
	require.Equal(t, []string{"a"}, left)

	order, ok := r.NodeOrder("a")
	require.True(t, ok)
	require.Equal(t, second.Order, order)
}
