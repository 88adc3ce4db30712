// Package config loads the YAML configuration of a gojogrid node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/messaging/session"
	"github.com/sushant-115/gojogrid/core/messaging/transport"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/pkg/connection"
	"github.com/sushant-115/gojogrid/pkg/logger"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
	"github.com/sushant-115/gojogrid/pkg/tlsutil"
)

// NodeConfig is the full configuration of one node.
type NodeConfig struct {
	Node        NodeSection        `yaml:"node"`
	Logger      logger.Config      `yaml:"logger"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	Transport   TransportSection   `yaml:"transport"`
	Transaction TransactionSection `yaml:"transaction"`
	Raft        RaftSection        `yaml:"raft"`
	Health      HealthSection      `yaml:"health"`
}

// NodeSection identifies the node and its peers.
type NodeSection struct {
	ID         string `yaml:"id"`
	ListenAddr string `yaml:"listen_addr"`
	GRPCAddr   string `yaml:"grpc_addr"`
	// Peers are added to the topology by the bootstrapping node.
	Peers []Peer `yaml:"peers"`
}

// Peer is a statically configured cluster member.
type Peer struct {
	ID         string `yaml:"id"`
	Addr       string `yaml:"addr"`
	RaftAddr   string `yaml:"raft_addr"`
	HealthAddr string `yaml:"health_addr"`
}

// TransportSection configures node-to-node messaging.
type TransportSection struct {
	AckSendThreshold  int           `yaml:"ack_send_threshold"`
	AckIdleInterval   time.Duration `yaml:"ack_idle_interval"`
	MessageQueueLimit int           `yaml:"message_queue_limit"`
	UnackedQueueLimit int           `yaml:"unacked_queue_limit"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectRate     float64       `yaml:"reconnect_rate"`
	ReconnectBurst    int           `yaml:"reconnect_burst"`
	DispatchWorkers   int           `yaml:"dispatch_workers"`

	TLS      bool          `yaml:"tls"`
	TLSFiles tlsutil.Files `yaml:"tls_files"`
}

// TransactionSection configures the transaction manager.
type TransactionSection struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	SyncMode          string        `yaml:"sync_mode"`
	CommitBufferSize  int           `yaml:"commit_buffer_size"`
	CommitBufferGrace time.Duration `yaml:"commit_buffer_grace"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
}

// RaftSection configures the topology raft group.
type RaftSection struct {
	Dir       string `yaml:"dir"`
	BindAddr  string `yaml:"bind_addr"`
	Bootstrap bool   `yaml:"bootstrap"`
	// Backups is the number of backups per slot range assigned at bootstrap.
	Backups int `yaml:"backups"`
}

// HealthSection configures the failure detector.
type HealthSection struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// Load reads and validates the file at path. An empty path yields the
// defaults.
func Load(path string) (*NodeConfig, error) {
	if path == "" {
		cfg := &NodeConfig{}
		cfg.setDefaults()
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document, rejecting unknown fields.
func Parse(data []byte) (*NodeConfig, error) {
	cfg := &NodeConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode yaml: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *NodeConfig) setDefaults() {
	if c.Node.ListenAddr == "" {
		c.Node.ListenAddr = "127.0.0.1:7100"
	}
	if c.Node.GRPCAddr == "" {
		c.Node.GRPCAddr = "127.0.0.1:7200"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gojogrid"
	}
	if c.Transport.HandshakeTimeout <= 0 {
		c.Transport.HandshakeTimeout = 5 * time.Second
	}
	if c.Transport.ConnectTimeout <= 0 {
		c.Transport.ConnectTimeout = 5 * time.Second
	}
	if c.Transaction.DefaultTimeout <= 0 {
		c.Transaction.DefaultTimeout = 10 * time.Second
	}
	if c.Transaction.SyncMode == "" {
		c.Transaction.SyncMode = "FULL_SYNC"
	}
	if c.Raft.Dir == "" {
		c.Raft.Dir = "data"
	}
	if c.Raft.BindAddr == "" {
		c.Raft.BindAddr = "127.0.0.1:7300"
	}
	if c.Raft.Backups <= 0 {
		c.Raft.Backups = 1
	}
}

// Validate reports the first inconsistent setting.
func (c *NodeConfig) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}
	if _, err := transaction.ParseSyncMode(c.Transaction.SyncMode); err != nil {
		return fmt.Errorf("transaction.sync_mode: %w", err)
	}
	seen := map[string]bool{c.Node.ID: true}
	for _, p := range c.Node.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("peer %q needs an id and an addr", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate node id %s", p.ID)
		}
		seen[p.ID] = true
	}
	if f := c.Transport.TLSFiles; c.Transport.TLS && (f.CAFile == "" || f.CertFile == "" || f.KeyFile == "") {
		return errors.New("transport.tls needs ca_file, cert_file and key_file")
	}
	return nil
}

// Self describes the local node as a topology member.
func (c *NodeConfig) Self() cluster.NodeInfo {
	return cluster.NodeInfo{
		ID:         c.Node.ID,
		Addr:       c.Node.ListenAddr,
		RaftAddr:   c.Raft.BindAddr,
		HealthAddr: c.Node.GRPCAddr,
	}
}

// PeerInfos describes the configured peers as topology members.
func (c *NodeConfig) PeerInfos() []cluster.NodeInfo {
	out := make([]cluster.NodeInfo, 0, len(c.Node.Peers))
	for _, p := range c.Node.Peers {
		out = append(out, cluster.NodeInfo{ID: p.ID, Addr: p.Addr, RaftAddr: p.RaftAddr, HealthAddr: p.HealthAddr})
	}
	return out
}

// TransportConfig builds the transport settings for the node incarnation
// order.
func (c *NodeConfig) TransportConfig(order uint64) (transport.Config, error) {
	t := c.Transport
	cfg := transport.Config{
		NodeID:            c.Node.ID,
		NodeOrder:         order,
		ListenAddr:        c.Node.ListenAddr,
		HandshakeTimeout:  t.HandshakeTimeout,
		UnackedQueueLimit: t.UnackedQueueLimit,
		Session: session.Config{
			MessageQueueLimit: t.MessageQueueLimit,
			AckSendThreshold:  t.AckSendThreshold,
			AckIdleInterval:   t.AckIdleInterval,
		},
		Dialer: connection.Config{
			Timeout:        t.ConnectTimeout,
			ReconnectRate:  t.ReconnectRate,
			ReconnectBurst: t.ReconnectBurst,
		},
	}
	if !t.TLS {
		return cfg, nil
	}
	var err error
	cfg.ServerTLS, cfg.Dialer.TLS, err = tlsutil.Load(t.TLSFiles)
	if err != nil {
		return transport.Config{}, fmt.Errorf("transport tls: %w", err)
	}
	return cfg, nil
}

// TransactionConfig builds the transaction manager settings.
func (c *NodeConfig) TransactionConfig(order uint64) (transaction.Config, error) {
	mode, err := transaction.ParseSyncMode(c.Transaction.SyncMode)
	if err != nil {
		return transaction.Config{}, err
	}
	return transaction.Config{
		NodeID:            c.Node.ID,
		NodeOrder:         order,
		DefaultTimeout:    c.Transaction.DefaultTimeout,
		SyncMode:          mode,
		CommitBufferSize:  c.Transaction.CommitBufferSize,
		CommitBufferGrace: c.Transaction.CommitBufferGrace,
		TerminalRetention: c.Transaction.TerminalRetention,
		RecoveryTimeout:   c.Transaction.RecoveryTimeout,
	}, nil
}

// RaftConfig builds the raft settings.
func (c *NodeConfig) RaftConfig() cluster.RaftConfig {
	return cluster.RaftConfig{
		NodeID:    c.Node.ID,
		BindAddr:  c.Raft.BindAddr,
		Dir:       c.Raft.Dir,
		Bootstrap: c.Raft.Bootstrap,
	}
}

// ProberConfig builds the failure detector settings.
func (c *NodeConfig) ProberConfig() cluster.ProberConfig {
	return cluster.ProberConfig{
		Interval:         c.Health.Interval,
		Timeout:          c.Health.Timeout,
		FailureThreshold: c.Health.FailureThreshold,
	}
}
