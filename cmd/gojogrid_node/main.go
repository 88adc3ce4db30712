// Command gojogrid_node runs one member of a gojogrid cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/pkg/config"
	"github.com/sushant-115/gojogrid/pkg/logger"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML node configuration")
	nodeID      = flag.String("node_id", "", "Unique ID for the node")
	listenAddr  = flag.String("listen_addr", "", "Node-to-node messaging address")
	raftAddr    = flag.String("raft_addr", "", "Raft bind address")
	raftDir     = flag.String("raft_dir", "", "Raft data directory for logs and snapshots")
	grpcAddr    = flag.String("grpc_addr", "", "gRPC bind address of the health service")
	metricsPort = flag.Int("metrics_port", 0, "Port of the Prometheus /metrics endpoint")
	bootstrap   = flag.Bool("bootstrap", false, "Bootstrap the raft cluster (only for the first node)")
	peers       = flag.String("peers", "", "Static peers: id=addr/raft_addr/health_addr, comma separated")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logger, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := newNode(cfg, tel, log)
	if err := node.Start(ctx); err != nil {
		log.Error("Failed to start node", zap.Error(err))
		return err
	}
	defer node.Close()

	err = node.Run(ctx)
	log.Info("Shutting down", zap.Error(err))
	return err
}

// applyFlags overrides the file configuration with every flag given on the
// command line.
func applyFlags(cfg *config.NodeConfig) error {
	var perr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node_id":
			cfg.Node.ID = *nodeID
		case "listen_addr":
			cfg.Node.ListenAddr = *listenAddr
		case "raft_addr":
			cfg.Raft.BindAddr = *raftAddr
		case "raft_dir":
			cfg.Raft.Dir = *raftDir
		case "grpc_addr":
			cfg.Node.GRPCAddr = *grpcAddr
		case "metrics_port":
			cfg.Telemetry.Enabled = true
			cfg.Telemetry.PrometheusPort = *metricsPort
		case "bootstrap":
			cfg.Raft.Bootstrap = *bootstrap
		case "peers":
			cfg.Node.Peers, perr = parsePeers(*peers)
		}
	})
	return perr
}

// parsePeers reads "id=addr/raft_addr/health_addr" entries separated by
// commas. The raft and health addresses are optional.
func parsePeers(s string) ([]config.Peer, error) {
	var out []config.Peer
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, addrs, ok := strings.Cut(entry, "=")
		if !ok || id == "" || addrs == "" {
			return nil, fmt.Errorf("malformed peer %q, want id=addr[/raft_addr[/health_addr]]", entry)
		}
		parts := strings.Split(addrs, "/")
		if len(parts) > 3 {
			return nil, fmt.Errorf("malformed peer %q: too many addresses", entry)
		}
		p := config.Peer{ID: id, Addr: parts[0]}
		if len(parts) > 1 {
			p.RaftAddr = parts[1]
		}
		if len(parts) > 2 {
			p.HealthAddr = parts[2]
		}
		out = append(out, p)
	}
	return out, nil
}
