package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name nodes report in the gRPC health protocol.
const HealthService = "gojogrid.Node"

// RegisterHealth installs the standard health service on s and reports the
// node as serving.
func RegisterHealth(s *grpc.Server) *health.Server {
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	hs.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	return hs
}

// ProberConfig tunes failure detection.
type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// FailureThreshold is the number of consecutive failed probes after
	// which a node is declared down.
	FailureThreshold int
	DialOptions      []grpc.DialOption
}

func (c *ProberConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if len(c.DialOptions) == 0 {
		c.DialOptions = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
}

// HealthProber is the failure detector: it polls the health service of every
// other node and reports nodes that stop answering.
type HealthProber struct {
	self   string
	nodes  func() []NodeInfo
	onDown func(id string)
	cfg    ProberConfig
	log    *zap.Logger

	mu       sync.Mutex
	failures map[string]int
	conns    map[string]*grpc.ClientConn
}

// NewHealthProber creates a prober. nodes lists the current members; onDown
// is invoked once per detected failure.
func NewHealthProber(self string, nodes func() []NodeInfo, onDown func(id string), cfg ProberConfig, log *zap.Logger) *HealthProber {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthProber{
		self:     self,
		nodes:    nodes,
		onDown:   onDown,
		cfg:      cfg,
		log:      log.Named("health_prober"),
		failures: make(map[string]int),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// Run probes until ctx is done.
func (p *HealthProber) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	defer p.Close()
	for {
		select {
		case <-t.C:
			p.ProbeOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// ProbeOnce checks every other node once.
func (p *HealthProber) ProbeOnce(ctx context.Context) {
	members := p.nodes()
	seen := make(map[string]bool, len(members))

	var g errgroup.Group
	g.SetLimit(16)
	var mu sync.Mutex
	var down []string
	for _, n := range members {
		if n.ID == p.self || n.HealthAddr == "" {
			continue
		}
		seen[n.ID] = true
		n := n
		g.Go(func() error {
			err := p.probe(ctx, n)
			if p.record(n.ID, err) {
				mu.Lock()
				down = append(down, n.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	p.prune(seen)

	for _, id := range down {
		p.log.Warn("Node failed health checks, reporting it down", zap.String("node", id),
			zap.Int("threshold", p.cfg.FailureThreshold))
		p.onDown(id)
	}
}

func (p *HealthProber) probe(ctx context.Context, n NodeInfo) error {
	conn, err := p.conn(n)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: HealthService})
	if err != nil {
		return err
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("node %s reports %s", n.ID, resp.GetStatus())
	}
	return nil
}

// record updates the failure count of id and reports whether the node just
// crossed the threshold.
func (p *HealthProber) record(id string, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, id)
		return false
	}
	p.failures[id]++
	p.log.Debug("Health probe failed", zap.String("node", id), zap.Int("failures", p.failures[id]), zap.Error(err))
	if p.failures[id] < p.cfg.FailureThreshold {
		return false
	}
	delete(p.failures, id)
	if c, ok := p.conns[id]; ok {
		_ = c.Close()
		delete(p.conns, id)
	}
	return true
}

func (p *HealthProber) conn(n NodeInfo) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[n.ID]; ok && c.Target() == n.HealthAddr {
		return c, nil
	} else if ok {
		_ = c.Close()
	}
	c, err := grpc.NewClient(n.HealthAddr, p.cfg.DialOptions...)
	if err != nil {
		return nil, fmt.Errorf("health client for %s: %w", n.ID, err)
	}
	p.conns[n.ID] = c
	return c, nil
}

func (p *HealthProber) prune(live map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.conns {
		if !live[id] {
			_ = c.Close()
			delete(p.conns, id)
			delete(p.failures, id)
		}
	}
}

// Close releases the probe connections.
func (p *HealthProber) Close() {
	p.prune(nil)
}
