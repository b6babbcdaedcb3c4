// Package resilience implements the audited external-call discipline from
// spec section 4.8: circuit breaking, exponential backoff retry, and
// per-service rate limiting. Ported near-verbatim from the teacher's
// infrastructure/resilience and infrastructure/ratelimit packages.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tachyon-beep/elspeth/internal/logging"
)

// State mirrors gobreaker.State with the engine's own naming so callers
// never import gobreaker directly.
type State int

const (
	StateClosed State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("resilience: circuit breaker is open")
	ErrTooManyRequests = errors.New("resilience: too many requests in half-open state")
)

// Config configures a CircuitBreaker.
type Config struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults for a per-service circuit
// breaker guarding an audited external call.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// ServiceConfig returns a Config that logs state transitions through
// logger, for use by callers wiring one circuit breaker per external
// service name.
func ServiceConfig(logger *logging.Logger, serviceName string) Config {
	cfg := DefaultConfig()
	if logger != nil {
		cfg.OnStateChange = func(from, to State) {
			logger.WithContext(context.Background()).
				WithField("service", serviceName).
				WithField("from_state", from.String()).
				WithField("to_state", to.String()).
				Warn("circuit breaker state changed")
		}
	}
	return cfg
}

// CircuitBreaker wraps gobreaker.CircuitBreaker[any], preserving a simple
// Execute(ctx, fn) signature for callers.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New builds a CircuitBreaker from cfg, normalizing zero fields to
// DefaultConfig's values.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	settings := gobreaker.Settings{
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the circuit's current state.
func (cb *CircuitBreaker) State() State { return State(cb.gb.State()) }

// Execute runs fn under circuit breaker protection. ctx is accepted for
// call-site symmetry with Retry; enforce timeouts via ctx inside fn.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return mapGobreakerError(err)
	}
	return nil
}

func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}
