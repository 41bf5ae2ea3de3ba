// Package breaker guards calls to the AI completion provider with a circuit
// breaker state machine.
//
// While the circuit is open, calls fail fast with ErrCircuitOpen instead of
// stacking up timeouts against a provider that is already down. The clock and
// the guarded call are both injected so tests can drive transitions
// deterministically.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the current circuit state.
type State string

const (
	// StateClosed is normal operation; calls pass through.
	StateClosed State = "closed"
	// StateOpen rejects calls immediately.
	StateOpen State = "open"
	// StateHalfOpen lets trial calls through after the reset timeout.
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned without attempting the call while the circuit is
// open. Callers treat it as a retryable failure under normal backoff.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Default configuration values.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 30 * time.Second
	DefaultCallTimeout      = 25 * time.Second
)

// Config holds circuit breaker tuning parameters.
type Config struct {
	// Name identifies the breaker in logs. Separate call paths (interactive
	// vs batch) must use separate breakers so their failure counters never mix.
	Name string
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit from closed.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in half-open
	// that closes the circuit.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before allowing a trial.
	ResetTimeout time.Duration
	// CallTimeout bounds each guarded call; a timeout counts as a failure.
	CallTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Breaker is a circuit breaker instance. Safe for concurrent use.
type Breaker struct {
	cfg   Config
	clock Clock

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	lastFailure  time.Time
	openedEvents int
}

// New creates a Breaker with the given config. A nil clock selects the wall
// clock.
func New(cfg Config, clock Clock) *Breaker {
	cfg.applyDefaults()
	if clock == nil {
		clock = realClock{}
	}
	return &Breaker{cfg: cfg, clock: clock, state: StateClosed}
}

// State returns the current state, accounting for reset-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// currentStateLocked resolves open -> half-open when the reset timeout has
// elapsed since the last failure. Callers must hold b.mu.
func (b *Breaker) currentStateLocked() State {
	if b.state == StateOpen && b.clock.Now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.successes = 0
		slog.Info("Breaker: reset timeout elapsed, entering half-open", "name", b.cfg.Name)
	}
	return b.state
}

// Execute runs fn under the breaker. While open it returns ErrCircuitOpen
// without invoking fn. Each call is bounded by the configured call timeout;
// exceeding it counts as a failure for state-transition purposes.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.currentStateLocked() == StateOpen {
		b.mu.Unlock()
		slog.Debug("Breaker.Execute: rejecting call, circuit open", "name", b.cfg.Name)
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clock.Now()

	switch b.currentStateLocked() {
	case StateHalfOpen:
		// Any failure during the trial re-opens immediately.
		b.state = StateOpen
		b.failures = 0
		b.successes = 0
		b.openedEvents++
		slog.Warn("Breaker: trial call failed, re-opening circuit", "name", b.cfg.Name, "error", err)
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.failures = 0
			b.openedEvents++
			slog.Warn("Breaker: failure threshold reached, opening circuit",
				"name", b.cfg.Name, "threshold", b.cfg.FailureThreshold, "error", err)
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			slog.Info("Breaker: trial succeeded, closing circuit", "name", b.cfg.Name)
		}
	case StateClosed:
		b.failures = 0
	}
}
