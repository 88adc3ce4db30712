// Package connection provides the outbound connection factory used between
// cluster nodes. Dials are rate limited per remote address so a flapping peer
// cannot turn reconnects into a busy loop, and are optionally wrapped in TLS.
package connection

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Dialer.
type Config struct {
	// Timeout bounds a single dial including the TLS handshake.
	Timeout time.Duration
	// ReconnectRate is the number of dials per second allowed to one address.
	ReconnectRate float64
	// ReconnectBurst is the number of dials allowed back to back.
	ReconnectBurst int
	// TLS, when set, wraps every connection in a TLS client.
	TLS *tls.Config
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ReconnectRate <= 0 {
		c.ReconnectRate = 10
	}
	if c.ReconnectBurst <= 0 {
		c.ReconnectBurst = 1
	}
}

// Dialer opens connections to remote nodes.
type Dialer struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDialer creates a dialer.
func NewDialer(cfg Config) *Dialer {
	cfg.setDefaults()
	return &Dialer{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (d *Dialer) limiter(address string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[address]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.ReconnectRate), d.cfg.ReconnectBurst)
		d.limiters[address] = l
	}
	return l
}

// Dial connects to address, waiting for the per-address rate limiter first.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	if err := d.limiter(address).Wait(ctx); err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	nd := net.Dialer{}
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if d.cfg.TLS == nil {
		return conn, nil
	}

	cfg := d.cfg.TLS
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("dial %s: %w", address, err)
		}
		cfg = cfg.Clone()
		cfg.ServerName = host
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", address, err)
	}
	return tlsConn, nil
}

// Forget drops the rate limiter of an address, e.g. after the node left.
func (d *Dialer) Forget(address string) {
	d.mu.Lock()
	delete(d.limiters, address)
	d.mu.Unlock()
}

// Listen binds a TCP listener on address, wrapped in TLS when serverTLS is set.
func Listen(address string, serverTLS *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	if serverTLS == nil {
		return ln, nil
	}
	return tls.NewListener(ln, serverTLS), nil
}
