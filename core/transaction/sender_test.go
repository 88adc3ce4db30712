package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/messaging/dispatch"
	"github.com/sushant-115/gojogrid/core/messaging/session"
	"github.com/sushant-115/gojogrid/core/messaging/transport"
	"github.com/sushant-115/gojogrid/core/messaging/wire"
	"github.com/sushant-115/gojogrid/pkg/connection"
)

type tcpNode struct {
	tr     *transport.Transport
	sender *TransportSender
	m      *Manager
}

func startTCPNode(t *testing.T, id string, order uint64, members *cluster.Registry, aff cluster.Affinity) *tcpNode {
	t.Helper()
	codec := wire.NewRegistry()
	disp := dispatch.New(dispatch.Config{Workers: 2}, codec, zap.NewNop())
	tr := transport.New(transport.Config{
		NodeID:           id,
		NodeOrder:        order,
		ListenAddr:       "127.0.0.1:0",
		HandshakeTimeout: time.Second,
		Session:          session.Config{AckSendThreshold: 1, AckIdleInterval: 10 * time.Millisecond},
		Dialer:           connection.Config{Timeout: time.Second, ReconnectRate: 200, ReconnectBurst: 4},
	}, transport.Options{Directory: members, Handler: disp, Logger: zap.NewNop()})
	require.NoError(t, tr.Listen())
	members.Join(cluster.NodeInfo{ID: id, Addr: tr.Addr().String(), Order: order})

	sender := NewTransportSender(tr, codec, zap.NewNop())
	m := NewManager(Config{NodeID: id, NodeOrder: order, DefaultTimeout: 3 * time.Second}, Options{
		Membership: members,
		Affinity:   aff,
		Sender:     sender,
		Logger:     zap.NewNop(),
	})
	m.Register(disp)
	disp.Start(context.Background())
	m.Start()
	t.Cleanup(func() {
		_ = tr.Close()
		disp.Stop()
		m.Stop()
	})
	return &tcpNode{tr: tr, sender: sender, m: m}
}

func TestTransportSender_CommitOverTCP(t *testing.T) {
	members := cluster.NewRegistry(zap.NewNop())
	aff := staticAffinity{
		"k1": {primary: "B", backups: []string{"A"}},
		"k2": {primary: "A", backups: []string{"B"}},
	}
	a := startTCPNode(t, "A", 1, members, aff)
	b := startTCPNode(t, "B", 2, members, aff)
	ctx := context.Background()

	tx := a.m.Begin(TxOptions{})
	require.NoError(t, tx.Put(ctx, "k1", []byte("v1")))
	require.NoError(t, tx.Put(ctx, "k2", []byte("v2")))
	require.NoError(t, tx.Commit(ctx))

	for _, n := range []*tcpNode{a, b} {
		require.Equal(t, "v1", value(t, n.m, "k1"))
		require.Equal(t, "v2", value(t, n.m, "k2"))
	}
	_, ok := b.m.CommitBuffer().CommittedTx(tx.Version(), "A", tx.Options().ThreadID)
	require.True(t, ok)
}

func TestTransportSender_UnknownNodeIsUnreachable(t *testing.T) {
	members := cluster.NewRegistry(zap.NewNop())
	a := startTCPNode(t, "A", 1, members, staticAffinity{})

	err := a.sender.Send("ghost", &CheckPreparedRequest{})
	require.ErrorIs(t, err, ErrNodeUnreachable)
	require.ErrorIs(t, err, transport.ErrUnknownNode)
}
