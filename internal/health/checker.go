package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/Proton-105/points-ledger/internal/domain"
)

const (
	StatusOK      = "OK"
	defaultBudget = 2 * time.Second
)

// Checkable represents a component that can report its health status.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to Checkable.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// Checker aggregates health checks for multiple components.
type Checker struct {
	log    *slog.Logger
	budget time.Duration

	mu     sync.RWMutex
	checks map[string]Checkable
}

// NewChecker instantiates a Checker with the provided logger.
func NewChecker(log *slog.Logger) *Checker {
	return &Checker{
		log:    log,
		budget: defaultBudget,
		checks: make(map[string]Checkable),
	}
}

// AddCheck registers a checkable component by name.
func (c *Checker) AddCheck(name string, check Checkable) {
	if name == "" || check == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Check runs all registered health checks concurrently and returns their
// statuses. Each check gets the same time budget.
func (c *Checker) Check(ctx context.Context) map[string]string {
	c.mu.RLock()
	checks := make(map[string]Checkable, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      conc.WaitGroup
		results = make(map[string]string, len(checks))
	)

	for name, check := range checks {
		wg.Go(func() {
			status := StatusOK
			if err := check.HealthCheck(ctx); err != nil {
				status = err.Error()
				if c.log != nil {
					c.log.Error("health check failed", slog.String("component", name), slog.Any("error", err))
				}
			}

			mu.Lock()
			results[name] = status
			mu.Unlock()
		})
	}
	wg.Wait()

	return results
}

// Ready runs every check and returns one error naming the failed components.
func (c *Checker) Ready(ctx context.Context) error {
	results := c.Check(ctx)

	var failed []string
	for name, status := range results {
		if status != StatusOK {
			failed = append(failed, fmt.Sprintf("%s: %s", name, status))
		}
	}
	if len(failed) == 0 {
		return nil
	}

	sort.Strings(failed)
	return errors.New(strings.Join(failed, "; "))
}

// DBChecker verifies connectivity to the SQL database.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker constructs a DBChecker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database to ensure it is reachable.
func (c *DBChecker) HealthCheck(ctx context.Context) error {
	if c == nil || c.db == nil {
		return sql.ErrConnDone
	}
	return c.db.PingContext(ctx)
}

// Pinger abstracts the subset of redis.Client used for health checks.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisChecker verifies connectivity to a Redis instance.
type RedisChecker struct {
	pinger Pinger
}

// NewRedisChecker constructs a RedisChecker.
func NewRedisChecker(pinger Pinger) *RedisChecker {
	return &RedisChecker{pinger: pinger}
}

// HealthCheck issues a PING command against Redis.
func (c *RedisChecker) HealthCheck(ctx context.Context) error {
	if c == nil || c.pinger == nil {
		return redis.ErrClosed
	}
	return c.pinger.Ping(ctx).Err()
}

// GrantItemLookup is satisfied by *points.Service.
type GrantItemLookup interface {
	FreeGrantItem(ctx context.Context) (*domain.Item, error)
}

// GrantItemChecker fails while the catalog does not hold exactly one free
// grant item, since every accrual would be skipped.
type GrantItemChecker struct {
	lookup  GrantItemLookup
	enabled bool
}

func NewGrantItemChecker(lookup GrantItemLookup, enabled bool) *GrantItemChecker {
	return &GrantItemChecker{lookup: lookup, enabled: enabled}
}

func (c *GrantItemChecker) HealthCheck(ctx context.Context) error {
	if c == nil || !c.enabled {
		return nil
	}
	if c.lookup == nil {
		return errors.New("free grant lookup is not configured")
	}

	_, err := c.lookup.FreeGrantItem(ctx)
	return err
}
