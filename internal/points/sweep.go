package points

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Proton-105/points-ledger/internal/domain"
	"github.com/Proton-105/points-ledger/pkg/metrics"
)

const DefaultSweepWorkers = 4

// SweepStats summarises one sweep run.
type SweepStats struct {
	Eligible int
	Granted  int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// Summary renders the operator facing result line.
func (s SweepStats) Summary() string {
	if s.Eligible == 0 {
		return "No users are eligible for free points"
	}
	return fmt.Sprintf("%d users have been successfully awarded with free points", s.Granted)
}

// Sweeper grants due free points to every eligible user. Users are split into
// contiguous chunks and each chunk is owned by exactly one worker.
type Sweeper struct {
	service *Service
	workers int
	log     *slog.Logger
}

func NewSweeper(service *Service, workers int, log *slog.Logger) *Sweeper {
	if workers <= 0 {
		workers = DefaultSweepWorkers
	}
	return &Sweeper{service: service, workers: workers, log: log}
}

type chunkResult struct {
	granted int
	skipped int
	failed  int
}

// Run performs one sweep. A per user failure is counted and logged; it does
// not stop the other users.
func (s *Sweeper) Run(ctx context.Context) (SweepStats, error) {
	start := time.Now()

	if !s.service.settings.FreePointsEnabled {
		return SweepStats{}, ErrAccrualDisabled
	}

	grant, err := s.service.FreeGrantItem(ctx)
	if err != nil {
		return SweepStats{}, err
	}

	ids, err := s.service.eligibleUserIDs(ctx)
	if err != nil {
		return SweepStats{}, fmt.Errorf("list eligible users: %w", err)
	}

	stats := SweepStats{Eligible: len(ids)}
	if len(ids) == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	chunks := Partition(ids, s.workers)
	p := pool.NewWithResults[chunkResult]().WithMaxGoroutines(len(chunks))
	for _, chunk := range chunks {
		p.Go(func() chunkResult {
			return s.runChunk(ctx, chunk, *grant)
		})
	}

	for _, r := range p.Wait() {
		stats.Granted += r.granted
		stats.Skipped += r.skipped
		stats.Failed += r.failed
	}
	stats.Duration = time.Since(start)

	metrics.RecordSweep(stats.Granted, stats.Skipped, stats.Failed, stats.Duration)

	if s.log != nil {
		s.log.Info("free point sweep finished",
			slog.Int("eligible", stats.Eligible),
			slog.Int("granted", stats.Granted),
			slog.Int("skipped", stats.Skipped),
			slog.Int("failed", stats.Failed),
			slog.Int("workers", len(chunks)),
			slog.Duration("duration", stats.Duration),
		)
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	return stats, nil
}

func (s *Sweeper) runChunk(ctx context.Context, ids []int64, grant domain.Item) chunkResult {
	var r chunkResult
	for _, id := range ids {
		if ctx.Err() != nil {
			r.failed++
			continue
		}

		res, err := s.service.accrueUser(ctx, id, grant)
		if err != nil {
			r.failed++
			if s.log != nil {
				s.log.Error("free point accrual failed", slog.Int64("user_id", id), slog.Any("error", err))
			}
			continue
		}

		if res.Granted() {
			r.granted++
		} else {
			r.skipped++
		}
	}
	return r
}

// Partition splits ids into at most n contiguous, non-overlapping chunks whose
// sizes differ by at most one.
func Partition(ids []int64, n int) [][]int64 {
	if n <= 0 {
		n = 1
	}
	if n > len(ids) {
		n = len(ids)
	}

	chunks := make([][]int64, 0, n)
	for i := 0; i < n; i++ {
		lo := i * len(ids) / n
		hi := (i + 1) * len(ids) / n
		chunks = append(chunks, ids[lo:hi])
	}
	return chunks
}
