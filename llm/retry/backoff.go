// Package retry implements the jittered exponential backoff retry policy
// from spec §4.4: up to MaxAttempts total attempts, delay = min(MaxBackoff,
// InitialBackoff * Multiplier^attempt) * (1 +/- Jitter).
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy configures the retry loop. Field names and defaults mirror spec
// §6.3's INITIAL_BACKOFF/BACKOFF_MULTIPLIER/MAX_BACKOFF table.
type Policy struct {
	// MaxAttempts is the total number of attempts (not retries); spec
	// default MAX_RETRIES=3 means 3 attempts total.
	MaxAttempts int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	// Jitter is the fractional +/- range applied to each delay, e.g. 0.2
	// for +/-20%.
	Jitter float64
	// OnRetry is an optional observer called before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns spec §4.4's defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     120 * time.Second,
		Jitter:         0.2,
	}
}

// Classifier decides whether an error should be retried.
type Classifier func(err error) bool

// Retryer runs a function under a Policy, classifying failures with a
// Classifier supplied by the caller (the agent loop classifies on
// provider.Kind; tests may use an always-retry classifier).
type Retryer struct {
	policy     *Policy
	classifier Classifier
	logger     *zap.Logger
}

// New builds a Retryer. A nil policy uses DefaultPolicy; a nil classifier
// retries every error.
func New(policy *Policy, classifier Classifier, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 2 * time.Second
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = 120 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if classifier == nil {
		classifier = func(error) bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, classifier: classifier, logger: logger}
}

// Do executes fn, retrying per the policy while the classifier says the
// error is retryable and attempts remain.
func (r *Retryer) Do(ctx context.Context, fn func(attempt int) (any, error)) (any, error) {
	var lastErr error
	var result any

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.Delay(attempt - 1)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry: cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, lastErr = fn(attempt)
		if lastErr == nil {
			return result, nil
		}
		if !r.classifier(lastErr) {
			return nil, lastErr
		}
	}

	return nil, fmt.Errorf("retry: exhausted %d attempts: %w", r.policy.MaxAttempts, lastErr)
}

// Delay returns the backoff duration before the (attempt+1)-th retry,
// attempt being 0-indexed, per spec §4.4's formula.
func (r *Retryer) Delay(attempt int) time.Duration {
	return delayFor(r.policy, attempt, rand.Float64)
}

func delayFor(p *Policy, attempt int, randFloat func() float64) time.Duration {
	base := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		factor := 1 + (randFloat()*2-1)*p.Jitter
		base *= factor
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
