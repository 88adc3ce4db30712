package cluster

import (
	"net"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func fastRaft(c *raft.Config) {
	c.HeartbeatTimeout = 100 * time.Millisecond
	c.ElectionTimeout = 100 * time.Millisecond
	c.LeaderLeaseTimeout = 50 * time.Millisecond
	c.CommitTimeout = 5 * time.Millisecond
}

func TestRaftNode_SingleNodeTopology(t *testing.T) {
	reg := NewRegistry(nil)
	fsm := NewTopologyFSM(reg, nil)
	node, err := StartRaft(RaftConfig{
		NodeID:    "n1",
		BindAddr:  freeAddr(t),
		Dir:       t.TempDir(),
		Bootstrap: true,
		Tune:      fastRaft,
	}, fsm, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })

	require.NoError(t, node.WaitLeader(5*time.Second))
	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, node.AddNode(NodeInfo{ID: "n1", Addr: "127.0.0.1:7001", RaftAddr: node.Addr()}))
	require.NoError(t, node.AddNode(NodeInfo{ID: "n2", Addr: "127.0.0.1:7002"}))
	require.Equal(t, []string{"n1", "n2"}, reg.LiveNodes())

	require.NoError(t, node.AssignSlotRanges(EvenSlotRanges([]string{"n1", "n2"}, 1)))
	primary, backups, ok := fsm.Owners("some-key")
	require.True(t, ok)
	require.Contains(t, []string{"n1", "n2"}, primary)
	require.Len(t, backups, 1)

	err = node.AssignSlotRanges([]SlotRange{{RangeID: "bad", StartSlot: 5, EndSlot: 6, Primary: "n1"}})
	require.Error(t, err, "overlapping range is rejected by the FSM")

	require.NoError(t, node.RemoveNode("n2"))
	require.False(t, reg.NodeAlive("n2"))
	for _, r := range fsm.SlotRanges() {
		require.Equal(t, "n1", r.Primary)
	}
}
