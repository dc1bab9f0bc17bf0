// Package netmon provides connectivity detection for the sync engine.
package netmon

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// Monitor reports network reachability.
type Monitor interface {
	// Current returns the last observed reachability state.
	Current() bool
	// Changes delivers reachability transitions (true = came online).
	Changes() <-chan bool
}

// Prober is a Monitor that periodically dials a well-known address.
type Prober struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	online  atomic.Bool
	changes chan bool

	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewProber creates a Monitor that probes addr ("host:port") every interval.
func NewProber(addr string, interval time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		addr:     addr,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
		changes:  make(chan bool, 4),
		dial:     net.DialTimeout,
	}
}

// Current returns the last observed reachability state.
func (p *Prober) Current() bool {
	return p.online.Load()
}

// Changes delivers reachability transitions. The channel is buffered; a slow
// consumer drops intermediate flips rather than blocking the probe loop.
func (p *Prober) Changes() <-chan bool {
	return p.changes
}

// Run probes immediately, then at the configured interval until the context
// is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.probe()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) probe() {
	conn, err := p.dial("tcp", p.addr, p.timeout)
	reachable := err == nil
	if conn != nil {
		conn.Close()
	}

	if p.online.Swap(reachable) != reachable {
		p.logger.Info("Connectivity changed", "online", reachable)
		select {
		case p.changes <- reachable:
		default:
		}
	}
}

// Static is a fixed-state Monitor for tests and for forced-offline mode.
type Static struct {
	Online bool
	ch     chan bool
}

// Current returns the fixed state.
func (s *Static) Current() bool { return s.Online }

// Changes returns a channel that never delivers.
func (s *Static) Changes() <-chan bool {
	if s.ch == nil {
		s.ch = make(chan bool)
	}
	return s.ch
}
