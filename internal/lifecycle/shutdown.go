package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
)

var ErrShuttingDown = errors.New("shutting down")

// Hook describes a named shutdown hook.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Shutdown coordinates graceful shutdown hooks. Hooks in one stage run in
// parallel; stages run in the order they were first registered.
type Shutdown struct {
	mu      sync.Mutex
	stages  []string
	hooks   map[string][]Hook
	started atomic.Bool
	log     *slog.Logger
}

// NewShutdown constructs a new Shutdown coordinator.
func NewShutdown(log *slog.Logger) *Shutdown {
	if log == nil {
		log = slog.Default()
	}

	return &Shutdown{log: log, hooks: make(map[string][]Hook)}
}

// Register adds a named hook to the default stage.
func (s *Shutdown) Register(name string, fn func(context.Context) error) {
	s.RegisterStage("default", name, fn)
}

// RegisterStage adds a named hook to stage. Workers are usually stopped in
// an earlier stage than the stores they write to.
func (s *Shutdown) RegisterStage(stage, name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hooks[stage]; !ok {
		s.stages = append(s.stages, stage)
	}
	s.hooks[stage] = append(s.hooks[stage], Hook{Name: name, Fn: fn})
}

// Started reports whether Execute has been called.
func (s *Shutdown) Started() bool {
	return s.started.Load()
}

// Execute runs every stage and returns the joined hook errors.
func (s *Shutdown) Execute(ctx context.Context) error {
	s.started.Store(true)

	s.mu.Lock()
	stages := append([]string(nil), s.stages...)
	hooks := make(map[string][]Hook, len(s.hooks))
	for stage, list := range s.hooks {
		hooks[stage] = append([]Hook(nil), list...)
	}
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("shutdown sequence started", slog.Int("stage_count", len(stages)))

	var errs []error
	for _, stage := range stages {
		if err := s.runStage(ctx, stage, hooks[stage]); err != nil {
			errs = append(errs, err)
		}
	}

	s.log.Info("shutdown sequence finished", slog.Duration("elapsed", time.Since(start)))

	return errors.Join(errs...)
}

func (s *Shutdown) runStage(ctx context.Context, stage string, hooks []Hook) error {
	p := pool.New().WithErrors().WithContext(ctx)

	for _, h := range hooks {
		p.Go(func(ctx context.Context) error {
			s.log.Info("running shutdown hook", slog.String("stage", stage), slog.String("hook", h.Name))

			if err := h.Fn(ctx); err != nil {
				s.log.Error("shutdown hook failed", slog.String("hook", h.Name), slog.Any("error", err))
				return fmt.Errorf("%s: %w", h.Name, err)
			}

			s.log.Info("shutdown hook completed", slog.String("hook", h.Name))
			return nil
		})
	}

	return p.Wait()
}
