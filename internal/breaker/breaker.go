// Package breaker implements the circuit breaker that isolates the
// coordinator from failing external dependencies (remote signer, external
// transport, mint HTTP, fee-manager commands).
//
// States: closed → open → half-open → closed. Three consecutive failures
// trip the breaker; after the reset timeout a half-open probe window allows
// a small burst of calls, and a burst of consecutive successes closes it
// again. While open, calls fail immediately with hive.ErrUnavailable and do
// not touch the dependency.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lnhive/hived/internal/hive"
)

// State represents the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned when a call is refused because the circuit is open.
// It is classified as hive.ErrUnavailable.
var ErrOpen = fmt.Errorf("circuit open: %w", hive.ErrUnavailable)

// Config holds breaker thresholds.
type Config struct {
	// Name identifies the protected dependency in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures that trips
	// the breaker.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive successes in
	// half-open state required to close the breaker.
	HalfOpenSuccesses int

	// OnStateChange is invoked on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the protocol defaults for a dependency.
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		FailureThreshold:  3,
		ResetTimeout:      60 * time.Second,
		HalfOpenSuccesses: 2,
		OnStateChange: func(name string, from, to State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	}
}

// Breaker is a per-dependency circuit breaker. Construct one per external
// dependency and inject it into the caller; there is no package-level state.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	openedAt     time.Time
	halfOpenLive int // in-flight probes in half-open
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 2
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, accounting for reset-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err == nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		// Allow only a small probe burst while half-open.
		if b.halfOpenLive >= b.cfg.HalfOpenSuccesses {
			return ErrOpen
		}
		b.halfOpenLive++
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if state == StateHalfOpen && b.halfOpenLive > 0 {
		b.halfOpenLive--
	}

	if success {
		b.failures = 0
		if state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.HalfOpenSuccesses {
				b.setState(StateClosed, now)
			}
		}
		return
	}

	b.successes = 0
	switch state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// A single failure while probing re-opens immediately.
		b.setState(StateOpen, now)
	}
}

// currentState must be called with the lock held.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState must be called with the lock held.
func (b *Breaker) setState(s State, now time.Time) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	b.failures = 0
	b.successes = 0
	b.halfOpenLive = 0
	if s == StateOpen {
		b.openedAt = now
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, s)
	}
}

// IsOpen is a convenience for callers that want to short-circuit without a
// closure.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Unavailable reports whether err came from an open circuit.
func Unavailable(err error) bool {
	return errors.Is(err, hive.ErrUnavailable)
}
