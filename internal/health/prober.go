// ABOUTME: Periodic liveness probing of roster entries.
// ABOUTME: Dead watched sockets are evicted; configured sockets are marked but kept.

// Package health periodically probes every roster entry and applies the
// results: forwarded sockets that stopped answering are evicted,
// configured ones are marked unhealthy but kept, since configuration is
// authoritative.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/kradalby/ssh-agent-mux/internal/roster"
	"github.com/kradalby/ssh-agent-mux/internal/sdnotify"
	"github.com/kradalby/ssh-agent-mux/internal/upstream"
)

// Prober drives the health cadence. It deliberately works on snapshots:
// the roster may change between snapshot and application, and the roster
// API is idempotent about that.
type Prober struct {
	roster   *roster.Roster
	interval time.Duration
	logger   *slog.Logger

	// probe is swappable for tests; defaults to an agent ping.
	probe func(ctx context.Context, path string) error
}

// New creates a prober ticking every interval. An interval of zero
// disables the periodic loop; RunOnce still works for on-demand passes.
func New(r *roster.Roster, interval time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		roster:   r,
		interval: interval,
		logger:   logger.With("component", "health"),
		probe: func(ctx context.Context, path string) error {
			return upstream.New(path).Ping(ctx)
		},
	}
}

// Run blocks, probing on the configured cadence until ctx is cancelled.
// Each completed pass pings the service-manager watchdog.
func (p *Prober) Run(ctx context.Context) {
	if p.interval <= 0 {
		p.logger.Info("periodic health checks disabled")
		<-ctx.Done()
		return
	}

	p.logger.Info("health prober running", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
			sdnotify.Watchdog()
		}
	}
}

// RunOnce performs a single pass: snapshot, probe every entry outside
// the roster lock, then apply the results. Returns the evicted paths.
func (p *Prober) RunOnce(ctx context.Context) []string {
	paths := p.roster.Ordered()
	if len(paths) == 0 {
		return nil
	}

	results := make(map[string]error, len(paths))
	for _, path := range paths {
		if ctx.Err() != nil {
			return nil
		}
		results[path] = p.probe(ctx, path)
	}

	removed := p.roster.Apply(results)
	healthy := 0
	for _, err := range results {
		if err == nil {
			healthy++
		}
	}
	p.logger.Debug("health pass complete",
		"probed", len(results), "healthy", healthy, "removed", len(removed))
	return removed
}
