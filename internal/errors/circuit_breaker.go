package errors

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen             = errors.New("circuit breaker is open")
	ErrHalfOpenTooManyRequests = errors.New("too many requests in half-open")
)

// BreakerSettings tunes when a CircuitBreaker trips and how it recovers.
type BreakerSettings struct {
	// ErrorThreshold is the failure ratio that opens the circuit once
	// MinRequests calls have been observed.
	ErrorThreshold      float64
	MinRequests         int
	OpenTimeout         time.Duration
	HalfOpenMaxRequests int
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ErrorThreshold:      0.5,
		MinRequests:         10,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker guards calls to an external dependency such as a payment
// provider.
type CircuitBreaker struct {
	settings BreakerSettings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	calls    int
	probes   int
	openedAt time.Time
}

func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	defaults := DefaultBreakerSettings()
	if settings.ErrorThreshold <= 0 {
		settings.ErrorThreshold = defaults.ErrorThreshold
	}
	if settings.MinRequests <= 0 {
		settings.MinRequests = defaults.MinRequests
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = defaults.OpenTimeout
	}
	if settings.HalfOpenMaxRequests <= 0 {
		settings.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}

	return &CircuitBreaker{
		settings: settings,
		now:      time.Now,
		state:    StateClosed,
	}
}

// WithClock replaces the time source. Tests only.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

// Call runs fn unless the circuit is open. fn's error is returned unchanged.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if fn == nil {
		return nil
	}

	if err := cb.admit(); err != nil {
		return err
	}

	callErr := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr != nil {
		cb.onFailureLocked()
		return callErr
	}

	cb.onSuccessLocked()
	return nil
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.settings.OpenTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.resetLocked()
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= cb.settings.HalfOpenMaxRequests {
			return ErrHalfOpenTooManyRequests
		}
		cb.probes++
	}

	return nil
}

func (cb *CircuitBreaker) onFailureLocked() {
	if cb.state == StateHalfOpen {
		cb.openLocked()
		return
	}

	cb.failures++
	cb.calls++
	if cb.calls >= cb.settings.MinRequests &&
		float64(cb.failures)/float64(cb.calls) >= cb.settings.ErrorThreshold {
		cb.openLocked()
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	if cb.state != StateHalfOpen {
		cb.calls++
		return
	}

	cb.calls++
	if cb.calls >= cb.settings.HalfOpenMaxRequests {
		cb.state = StateClosed
		cb.resetLocked()
	}
}

func (cb *CircuitBreaker) openLocked() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.resetLocked()
}

func (cb *CircuitBreaker) resetLocked() {
	cb.failures = 0
	cb.calls = 0
	cb.probes = 0
}
