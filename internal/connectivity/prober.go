package connectivity

import (
	"context"
	"log"
	"os"
	"time"
)

// ProberConfig configures a Prober.
type ProberConfig struct {
	// Check returns nil when the remote is reachable.
	Check func(ctx context.Context) error

	// Interval between checks (default: 1s).
	Interval time.Duration

	// Timeout for a single check (default: 3s).
	Timeout time.Duration

	Logger *log.Logger
}

// DefaultProberConfig returns sensible defaults
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval: time.Second,
		Timeout:  3 * time.Second,
	}
}

// Prober drives a Monitor from periodic health checks.
type Prober struct {
	monitor *Monitor
	config  ProberConfig
}

// NewProber returns a prober updating m.
func NewProber(m *Monitor, config ProberConfig) *Prober {
	defaults := DefaultProberConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[probe] ", log.LstdFlags)
	}
	return &Prober{monitor: m, config: config}
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce runs one check and updates the monitor. It returns the result.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	err := p.config.Check(checkCtx)
	if ctx.Err() != nil {
		return p.monitor.Online()
	}
	online := err == nil
	if !online && p.monitor.Online() {
		p.config.Logger.Printf("Health check failed: %v", err)
	}
	p.monitor.Set(online)
	return online
}
