package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	purchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_purchases_total",
			Help: "Total number of purchase requests labeled by item kind and result",
		},
		[]string{"kind", "result"},
	)
	purchaseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "points_purchase_duration_seconds",
			Help:    "Duration of purchase requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	pointsSpentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_spent_total",
			Help: "Points debited by purchases split by currency",
		},
		[]string{"currency"},
	)
	freePointsGrantedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "free_points_granted_total",
			Help: "Free points credited by accrual",
		},
	)
	freePointGrantsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "free_point_grants_total",
			Help: "Grant units written to the ledger by accrual",
		},
	)
	sweepUsersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accrual_sweep_users_total",
			Help: "Users processed by the accrual sweep labeled by outcome",
		},
		[]string{"outcome"},
	)
	sweepDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accrual_sweep_duration_seconds",
			Help:    "Duration of accrual sweeps in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300},
		},
	)
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors split by type and severity",
		},
		[]string{"type", "severity"},
	)
	eligibleUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "free_points_eligible_users",
			Help: "Users currently due a free point grant",
		},
	)
)

// RecordPurchase increments purchase counters and records duration.
func RecordPurchase(kind, result string, duration time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	if result == "" {
		result = "unknown"
	}

	purchasesTotal.WithLabelValues(kind, result).Inc()
	purchaseDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordPointsSpent(free, purchased int64) {
	if free > 0 {
		pointsSpentTotal.WithLabelValues("free").Add(float64(free))
	}
	if purchased > 0 {
		pointsSpentTotal.WithLabelValues("purchased").Add(float64(purchased))
	}
}

// RecordFreeGrant tracks one accrual that wrote a ledger entry.
func RecordFreeGrant(units, points int64) {
	if units <= 0 {
		return
	}

	freePointGrantsTotal.Add(float64(units))
	freePointsGrantedTotal.Add(float64(points))
}

// RecordSweep tracks the outcome counts and duration of one sweep run.
func RecordSweep(granted, skipped, failed int, duration time.Duration) {
	sweepUsersTotal.WithLabelValues("granted").Add(float64(granted))
	sweepUsersTotal.WithLabelValues("skipped").Add(float64(skipped))
	sweepUsersTotal.WithLabelValues("failed").Add(float64(failed))
	sweepDurationSeconds.Observe(duration.Seconds())
}

// RecordError increments error counters with metadata.
func RecordError(errType, severity string) {
	if errType == "" {
		errType = "unknown"
	}
	if severity == "" {
		severity = "unknown"
	}

	errorsTotal.WithLabelValues(errType, severity).Inc()
}

func SetEligibleUsers(count int) {
	eligibleUsers.Set(float64(count))
}

// EligibilityCounter reports how many users are currently due a grant.
type EligibilityCounter interface {
	CountEligible(ctx context.Context) (int, error)
}

// EligibilityCollector periodically refreshes the eligible users gauge.
type EligibilityCollector struct {
	source   EligibilityCounter
	interval time.Duration
	log      *slog.Logger
}

// NewEligibilityCollector builds a collector polling source every interval.
func NewEligibilityCollector(source EligibilityCounter, interval time.Duration, log *slog.Logger) *EligibilityCollector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &EligibilityCollector{source: source, interval: interval, log: log}
}

// Run polls the source until ctx is cancelled.
func (c *EligibilityCollector) Run(ctx context.Context) {
	if c == nil || c.source == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		c.collect(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

func (c *EligibilityCollector) collect(ctx context.Context) {
	count, err := c.source.CountEligible(ctx)
	if err != nil {
		if c.log != nil && ctx.Err() == nil {
			c.log.Warn("failed to count eligible users", slog.Any("error", err))
		}
		return
	}

	SetEligibleUsers(count)
}
