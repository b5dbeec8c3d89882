package governance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig defines the thresholds of the per-upstream breakers.
type CircuitBreakerConfig struct {
	// ConsecutiveFailures opens the breaker. Zero disables breaking.
	ConsecutiveFailures int
	// Timeout is how long the breaker stays open before letting probes through.
	Timeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests int
	// Interval clears the closed-state counts periodically. Zero keeps them.
	Interval time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// BreakerSet keeps one breaker per upstream key.
type BreakerSet struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(config CircuitBreakerConfig, logger *slog.Logger) *BreakerSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerSet{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Enabled reports whether breaking is configured.
func (s *BreakerSet) Enabled() bool {
	return s != nil && s.config.ConsecutiveFailures > 0
}

func (s *BreakerSet) get(key string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	threshold := uint32(s.config.ConsecutiveFailures)
	halfOpen := s.config.HalfOpenRequests
	if halfOpen <= 0 {
		halfOpen = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: uint32(halfOpen),
		Interval:    s.config.Interval,
		Timeout:     s.config.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: upstreamHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("circuit breaker state changed",
				"upstream", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	s.breakers[key] = cb
	return cb
}

// State returns the breaker state for key, "closed" when none exists.
func (s *BreakerSet) State(key string) string {
	if !s.Enabled() {
		return gobreaker.StateClosed.String()
	}
	s.mu.Lock()
	cb, ok := s.breakers[key]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// callerGoneError wraps an outcome caused by the caller's context ending rather
// than by the upstream.
type callerGoneError struct {
	err error
}

func (e callerGoneError) Error() string { return e.err.Error() }
func (e callerGoneError) Unwrap() error { return e.err }

// upstreamHealthy reports whether err leaves the upstream's health untouched.
// Cancellations and the caller's own deadline say nothing about the upstream.
func upstreamHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var gone callerGoneError
	return errors.As(err, &gone)
}

// Execute runs fn through the breaker for key. A rejected call returns an error
// wrapping ErrCircuitOpen without running fn. Errors returned after ctx is done
// are not counted against the upstream.
func Execute[T any](ctx context.Context, s *BreakerSet, key string, fn func() (T, error)) (T, error) {
	if !s.Enabled() {
		return fn()
	}

	out, err := s.get(key).Execute(func() (interface{}, error) {
		v, err := fn()
		if err != nil && ctx.Err() != nil {
			err = callerGoneError{err: err}
		}
		return v, err
	})
	var gone callerGoneError
	if errors.As(err, &gone) {
		err = gone.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, errors.Join(ErrCircuitOpen, err)
	}
	if out == nil {
		var zero T
		return zero, err
	}
	return out.(T), err
}
