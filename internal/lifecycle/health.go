package lifecycle

import (
	"context"
	"log/slog"
)

// HealthChecker exposes liveness and readiness probes.
type HealthChecker interface {
	Liveness(ctx context.Context) error
	Readiness(ctx context.Context) error
}

// ReadinessSource is satisfied by *health.Checker.
type ReadinessSource interface {
	Ready(ctx context.Context) error
}

// Probes answers liveness on its own and delegates readiness to the
// dependency checks. Readiness also fails once draining starts.
type Probes struct {
	log      *slog.Logger
	ready    ReadinessSource
	draining func() bool
}

// NewProbes creates a new Probes instance.
func NewProbes(log *slog.Logger, ready ReadinessSource, shutdown *Shutdown) *Probes {
	if log == nil {
		log = slog.Default()
	}
	p := &Probes{log: log, ready: ready}
	if shutdown != nil {
		p.draining = shutdown.Started
	}
	return p
}

// Liveness reports success while the process can serve requests at all.
func (p *Probes) Liveness(ctx context.Context) error {
	p.log.DebugContext(ctx, "liveness probe called")
	return nil
}

func (p *Probes) Readiness(ctx context.Context) error {
	if p.draining != nil && p.draining() {
		return ErrShuttingDown
	}
	if p.ready == nil {
		return nil
	}

	if err := p.ready.Ready(ctx); err != nil {
		p.log.WarnContext(ctx, "readiness probe failed", slog.Any("error", err))
		return err
	}
	return nil
}
