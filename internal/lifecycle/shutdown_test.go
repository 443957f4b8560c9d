package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShutdownRunsStagesInOrder(t *testing.T) {
	s := NewShutdown(quietLogger())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	s.RegisterStage("workers", "scheduler", record("scheduler"))
	s.RegisterStage("stores", "database", record("database"))
	s.RegisterStage("workers", "worker", record("worker"))
	s.Register("nil", nil)

	require.NoError(t, s.Execute(context.Background()))
	require.Len(t, order, 3)
	assert.ElementsMatch(t, []string{"scheduler", "worker"}, order[:2])
	assert.Equal(t, "database", order[2])
}

func TestShutdownJoinsErrors(t *testing.T) {
	s := NewShutdown(quietLogger())
	boom := errors.New("boom")

	ran := false
	s.RegisterStage("first", "broken", func(context.Context) error { return boom })
	s.RegisterStage("second", "after", func(context.Context) error { ran = true; return nil })

	err := s.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
	assert.True(t, ran, "later stages still run")
	assert.True(t, s.Started())
}

type readyFunc func(ctx context.Context) error

func (f readyFunc) Ready(ctx context.Context) error { return f(ctx) }

func TestProbes(t *testing.T) {
	down := errors.New("redis: connection refused")
	failing := true
	s := NewShutdown(quietLogger())
	p := NewProbes(quietLogger(), readyFunc(func(context.Context) error {
		if failing {
			return down
		}
		return nil
	}), s)

	assert.NoError(t, p.Liveness(context.Background()))
	assert.ErrorIs(t, p.Readiness(context.Background()), down)

	failing = false
	assert.NoError(t, p.Readiness(context.Background()))

	require.NoError(t, s.Execute(context.Background()))
	assert.ErrorIs(t, p.Readiness(context.Background()), ErrShuttingDown)

	assert.NoError(t, NewProbes(nil, nil, nil).Readiness(context.Background()))
}
