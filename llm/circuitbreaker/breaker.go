// Package circuitbreaker implements the per-agent three-state gate that
// stops an agent from hammering a failing provider.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of the three circuit breaker states.
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

// Config holds the two breaker parameters named in spec §4.2.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before a probe call is
	// allowed through (OPEN -> HALF_OPEN).
	Cooldown time.Duration
	// CallTimeout bounds a single CallWithResult invocation; zero disables
	// the per-call timeout.
	CallTimeout time.Duration
	// OnStateChange is an optional state-transition observer.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the spec's default parameters: threshold 5,
// cooldown 60s.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		CallTimeout:      30 * time.Second,
	}
}

// Breaker is a per-agent circuit breaker. IsOpen/RecordSuccess/RecordFailure
// are the primary contract the agent loop drives directly; CallWithResult is
// a convenience wrapper built atop them.
type Breaker struct {
	config *Config
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
}

// New creates a Breaker. A nil config uses DefaultConfig, and a nil logger
// becomes a no-op logger.
func New(config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{config: config, logger: logger, state: StateClosed}
}

// IsOpen returns true only while the breaker is OPEN. As a side effect, if
// the cooldown has elapsed it flips the gate OPEN -> HALF_OPEN and returns
// false, per spec §4.2.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return false
	}
	if time.Since(b.openedAt) >= b.config.Cooldown {
		b.setStateLocked(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful call: CLOSED resets the failure
// counter, HALF_OPEN transitions to CLOSED.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.logger.Info("breaker closed after successful probe")
		b.setStateLocked(StateClosed)
		b.failureCount = 0
	case StateOpen:
		b.logger.Warn("success recorded while breaker open")
	}
}

// RecordFailure records a failed call: CLOSED increments the failure
// counter and opens on reaching FailureThreshold; HALF_OPEN reopens
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("breaker reopened after failed probe")
		b.setStateLocked(StateOpen)
	case StateOpen:
		b.logger.Warn("failure recorded while breaker already open")
	}
}

// setStateLocked updates state/opened_at and fires OnStateChange. Caller
// must hold b.mu.
func (b *Breaker) setStateLocked(newState State) {
	old := b.state
	b.state = newState
	if newState == StateOpen {
		b.openedAt = time.Now()
	}
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(old, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = StateClosed
	b.failureCount = 0
	if b.config.OnStateChange != nil && old != StateClosed {
		go b.config.OnStateChange(old, StateClosed)
	}
}

var (
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// CallWithResult executes fn under the breaker: rejects immediately with
// ErrCircuitOpen when open, otherwise calls fn with a CallTimeout bound and
// records the outcome.
func (b *Breaker) CallWithResult(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if b.IsOpen() {
		return nil, ErrCircuitOpen
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		result, err := fn(callCtx)
		resultCh <- outcome{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		b.RecordFailure()
		return nil, fmt.Errorf("circuit breaker: call timed out: %w", callCtx.Err())
	case o := <-resultCh:
		if o.err != nil {
			b.RecordFailure()
			return nil, o.err
		}
		b.RecordSuccess()
		return o.result, nil
	}
}
