package executor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultControlPort is where system VMs accept control-plane connections.
const DefaultControlPort = 3922

// Prober checks that a freshly started system VM answers on its control
// address.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, address string) error

func (f ProberFunc) Probe(ctx context.Context, address string) error { return f(ctx, address) }

// TCPProber succeeds once a TCP connection to Port can be opened.
type TCPProber struct {
	Port    int
	Timeout time.Duration
}

func (p *TCPProber) Probe(ctx context.Context, address string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	target := net.JoinHostPort(address, strconv.Itoa(p.Port))
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("probe %s: %w", target, err)
	}
	return conn.Close()
}
