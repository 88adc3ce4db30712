package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/messaging/dispatch"
	"github.com/sushant-115/gojogrid/core/messaging/transport"
	"github.com/sushant-115/gojogrid/core/messaging/wire"
	"github.com/sushant-115/gojogrid/core/transaction"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"github.com/sushant-115/gojogrid/pkg/config"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
)

const (
	leaderWaitTimeout = 30 * time.Second
	joinWaitTimeout   = 2 * time.Minute
	voterAddTimeout   = 10 * time.Second
)

// Node is one running cluster member.
type Node struct {
	cfg *config.NodeConfig
	log *zap.Logger
	tel *telemetry.Telemetry

	registry   *cluster.Registry
	raft       *cluster.RaftNode
	transport  *transport.Transport
	dispatcher *dispatch.Dispatcher
	manager    *transaction.Manager
	grpc       *grpc.Server
	health     *health.Server
	grpcLn     net.Listener
	prober     *cluster.HealthProber
	unsub      func()

	// tuneRaft overrides raft timeouts in tests.
	tuneRaft func(*raft.Config)
}

func newNode(cfg *config.NodeConfig, tel *telemetry.Telemetry, log *zap.Logger) *Node {
	return &Node{cfg: cfg, tel: tel, log: log}
}

// Start brings the node up: raft topology first, then messaging and the
// transaction manager once the topology has assigned this node its order.
func (n *Node) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	n.registry = cluster.NewRegistry(n.log)
	fsm := cluster.NewTopologyFSM(n.registry, n.log)
	rc := n.cfg.RaftConfig()
	rc.Tune = n.tuneRaft
	if n.raft, err = cluster.StartRaft(rc, fsm, n.log); err != nil {
		return err
	}
	if n.cfg.Raft.Bootstrap {
		if err := n.raft.WaitLeader(leaderWaitTimeout); err != nil {
			return err
		}
		if err := n.bootstrapTopology(ctx); err != nil {
			return fmt.Errorf("failed to bootstrap topology: %w", err)
		}
	}
	self, err := n.waitSelf(ctx)
	if err != nil {
		return err
	}

	msgMetrics, err := internaltelemetry.NewMessagingMetrics(n.tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create messaging metrics: %w", err)
	}
	txMetrics, err := internaltelemetry.NewTxMetrics(n.tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create transaction metrics: %w", err)
	}

	codec := wire.NewRegistry()
	n.dispatcher = dispatch.New(dispatch.Config{Workers: n.cfg.Transport.DispatchWorkers}, codec, n.log)
	tcfg, err := n.cfg.TransportConfig(self.Order)
	if err != nil {
		return err
	}
	n.transport = transport.New(tcfg, transport.Options{
		Directory: n.registry,
		Handler:   n.dispatcher,
		Logger:    n.log,
		Metrics:   msgMetrics,
	})
	n.unsub = n.registry.OnNodeLeft(n.transport.OnNodeLeft)

	txcfg, err := n.cfg.TransactionConfig(self.Order)
	if err != nil {
		return err
	}
	n.manager = transaction.NewManager(txcfg, transaction.Options{
		Membership: n.registry,
		Affinity:   fsm,
		Sender:     transaction.NewTransportSender(n.transport, codec, n.log),
		Logger:     n.log,
		Metrics:    txMetrics,
		Tracer:     n.tel.Tracer,
	})
	n.manager.Register(n.dispatcher)
	n.dispatcher.Start(ctx)
	n.manager.Start()
	if err := n.transport.Listen(); err != nil {
		return err
	}

	if n.grpcLn, err = net.Listen("tcp", n.cfg.Node.GRPCAddr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Node.GRPCAddr, err)
	}
	n.grpc = grpc.NewServer()
	n.health = cluster.RegisterHealth(n.grpc)

	pcfg := n.cfg.ProberConfig()
	pcfg.DialOptions = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	n.prober = cluster.NewHealthProber(n.cfg.Node.ID, fsm.Nodes, n.onNodeDown, pcfg, n.log)

	n.log.Info("Node started",
		zap.Uint64("order", self.Order),
		zap.String("listen_addr", n.transport.Addr().String()),
		zap.String("grpc_addr", n.grpcLn.Addr().String()),
		zap.String("raft_addr", n.raft.Addr()))
	return nil
}

// Run serves the health endpoint and probes peers until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.grpc.Serve(n.grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return n.prober.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		n.health.Shutdown()
		n.grpc.GracefulStop()
		return nil
	})
	return g.Wait()
}

// Close stops every component in reverse start order. It is safe on a
// partially started node.
func (n *Node) Close() {
	if n.grpc != nil {
		n.grpc.Stop()
	}
	if n.grpcLn != nil {
		_ = n.grpcLn.Close()
	}
	if n.unsub != nil {
		n.unsub()
	}
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			n.log.Warn("Failed to close transport", zap.Error(err))
		}
	}
	if n.dispatcher != nil {
		n.dispatcher.Stop()
	}
	if n.manager != nil {
		n.manager.Stop()
	}
	if n.raft != nil {
		if err := n.raft.Shutdown(); err != nil {
			n.log.Warn("Failed to shut down raft", zap.Error(err))
		}
	}
}

// Manager returns the node's transaction manager.
func (n *Node) Manager() *transaction.Manager {
	return n.manager
}

// onNodeDown removes a failed node from the topology. Only the raft leader
// acts; the removal reaches every replica's registry through the log.
func (n *Node) onNodeDown(id string) {
	if !n.raft.IsLeader() {
		n.log.Debug("Leaving failure handling to the raft leader", zap.String("node", id))
		return
	}
	if err := n.raft.RemoveNode(id); err != nil {
		n.log.Error("Failed to remove failed node", zap.String("node", id), zap.Error(err))
	}
}

// bootstrapTopology registers this node and the configured peers, splits the
// slot space between them and adds the peers as raft voters. Steps already
// applied by an earlier run are skipped.
func (n *Node) bootstrapTopology(ctx context.Context) error {
	members := append([]cluster.NodeInfo{n.cfg.Self()}, n.cfg.PeerInfos()...)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
		if _, ok := n.raft.FSM.Node(m.ID); ok {
			continue
		}
		cmd, err := cluster.AddNodeCommand(m)
		if err != nil {
			return err
		}
		if err := n.raft.Apply(cmd); err != nil {
			return err
		}
	}
	if len(n.raft.FSM.SlotRanges()) == 0 {
		if err := n.raft.AssignSlotRanges(cluster.EvenSlotRanges(ids, n.cfg.Raft.Backups)); err != nil {
			return err
		}
	}
	for _, p := range members[1:] {
		if p.RaftAddr == "" || ctx.Err() != nil {
			continue
		}
		f := n.raft.Raft.AddVoter(raft.ServerID(p.ID), raft.ServerAddress(p.RaftAddr), 0, voterAddTimeout)
		if err := f.Error(); err != nil {
			n.log.Warn("Failed to add peer as raft voter", zap.String("node", p.ID), zap.Error(err))
		}
	}
	return nil
}

// waitSelf blocks until the replicated topology knows this node.
func (n *Node) waitSelf(ctx context.Context) (cluster.NodeInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, joinWaitTimeout)
	defer cancel()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if self, ok := n.raft.FSM.Node(n.cfg.Node.ID); ok {
			return self, nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return cluster.NodeInfo{}, fmt.Errorf("node %s was not added to the topology: %w", n.cfg.Node.ID, ctx.Err())
		}
	}
}
