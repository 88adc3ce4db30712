package cluster

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

const (
	raftSnapshotRetain   = 2
	raftTransportMaxPool = 3
	raftTransportTimeout = 10 * time.Second
	raftApplyTimeout     = 5 * time.Second
)

// ErrNotLeader is returned when a topology change is proposed on a follower.
var ErrNotLeader = errors.New("cluster: not the raft leader")

// RaftConfig configures the topology raft group.
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	Dir       string
	Bootstrap bool
	// Tune shortens raft timeouts, e.g. for tests. Nil keeps the defaults.
	Tune func(*raft.Config)
}

// RaftNode runs the raft group replicating the TopologyFSM.
type RaftNode struct {
	Raft *raft.Raft
	FSM  *TopologyFSM

	transport *raft.NetworkTransport
	store     *raftboltdb.BoltStore
	log       *zap.Logger
}

// StartRaft opens the boltdb log store and snapshots under cfg.Dir and
// starts raft with fsm, bootstrapping a single-voter cluster when asked.
func StartRaft(cfg RaftConfig, fsm *TopologyFSM, log *zap.Logger) (*RaftNode, error) {
	log = log.Named("raft")
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)
	config.Logger = NewZapRaftLogger(log)
	if cfg.Tune != nil {
		cfg.Tune(config)
	}

	dataPath := filepath.Join(cfg.Dir, cfg.NodeID, "raft_meta")
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create raft data directory %s: %w", dataPath, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft address %s: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, raftTransportMaxPool, raftTransportTimeout, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft TCP transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(dataPath, raftSnapshotRetain, config.Logger)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store at %s: %w", dataPath, err)
	}

	boltPath := filepath.Join(dataPath, "raft.db")
	store, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create bolt store at %s: %w", boltPath, err)
	}

	r, err := raft.NewRaft(config, fsm, store, store, snapshots, transport)
	if err != nil {
		store.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	n := &RaftNode{Raft: r, FSM: fsm, transport: transport, store: store, log: log}
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			_ = n.Shutdown()
			return nil, fmt.Errorf("failed to bootstrap raft cluster: %w", err)
		}
		log.Info("Raft cluster bootstrapped", zap.String("addr", string(transport.LocalAddr())))
	}
	return n, nil
}

// Addr returns the raft transport address.
func (n *RaftNode) Addr() string {
	return string(n.transport.LocalAddr())
}

// IsLeader reports whether the local node leads the raft group.
func (n *RaftNode) IsLeader() bool {
	return n.Raft.State() == raft.Leader
}

// WaitLeader blocks until some node is leader or timeout expires.
func (n *RaftNode) WaitLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := n.Raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("no raft leader after %s", timeout)
}

// Apply proposes cmd and returns the FSM's error, if any.
func (n *RaftNode) Apply(cmd []byte) error {
	if !n.IsLeader() {
		addr, id := n.Raft.LeaderWithID()
		return fmt.Errorf("%w: leader is %s at %s", ErrNotLeader, id, addr)
	}
	f := n.Raft.Apply(cmd, raftApplyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to apply command to raft: %w", err)
	}
	if resp := f.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return fmt.Errorf("topology apply: %w", err)
		}
	}
	return nil
}

// AddNode registers a node and, when it runs raft, adds it as a voter.
func (n *RaftNode) AddNode(info NodeInfo) error {
	if info.RaftAddr != "" && info.ID != "" {
		f := n.Raft.AddVoter(raft.ServerID(info.ID), raft.ServerAddress(info.RaftAddr), 0, raftApplyTimeout)
		if err := f.Error(); err != nil {
			return fmt.Errorf("failed to add voter %s: %w", info.ID, err)
		}
	}
	cmd, err := AddNodeCommand(info)
	if err != nil {
		return err
	}
	return n.Apply(cmd)
}

// RemoveNode removes a node from the topology and the raft configuration.
func (n *RaftNode) RemoveNode(id string) error {
	cmd, err := RemoveNodeCommand(id)
	if err != nil {
		return err
	}
	if err := n.Apply(cmd); err != nil {
		return err
	}
	cf := n.Raft.GetConfiguration()
	if err := cf.Error(); err != nil {
		return fmt.Errorf("failed to read raft configuration: %w", err)
	}
	for _, srv := range cf.Configuration().Servers {
		if srv.ID != raft.ServerID(id) {
			continue
		}
		if err := n.Raft.RemoveServer(srv.ID, 0, raftApplyTimeout).Error(); err != nil {
			n.log.Warn("Failed to remove raft server", zap.String("node", id), zap.Error(err))
		}
	}
	return nil
}

// AssignSlotRanges installs ranges.
func (n *RaftNode) AssignSlotRanges(ranges []SlotRange) error {
	for _, r := range ranges {
		cmd, err := AssignSlotRangeCommand(r)
		if err != nil {
			return err
		}
		if err := n.Apply(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops raft and closes its stores.
func (n *RaftNode) Shutdown() error {
	err := n.Raft.Shutdown().Error()
	if cerr := n.transport.Close(); err == nil {
		err = cerr
	}
	if cerr := n.store.Close(); err == nil {
		err = cerr
	}
	return err
}
