package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayForNoJitterMatchesFormula(t *testing.T) {
	p := &Policy{InitialBackoff: 10 * time.Millisecond, Multiplier: 2, MaxBackoff: time.Second, Jitter: 0}
	zero := func() float64 { return 0.5 } // factor 1 regardless since jitter 0

	assert.Equal(t, 10*time.Millisecond, delayFor(p, 0, zero))
	assert.Equal(t, 20*time.Millisecond, delayFor(p, 1, zero))
	assert.Equal(t, 40*time.Millisecond, delayFor(p, 2, zero))
}

func TestDelayForCapsAtMaxBackoff(t *testing.T) {
	p := &Policy{InitialBackoff: time.Second, Multiplier: 10, MaxBackoff: 2 * time.Second, Jitter: 0}
	zero := func() float64 { return 0.5 }
	assert.Equal(t, 2*time.Second, delayFor(p, 5, zero))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	r := New(&Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil, nil)

	calls := 0
	result, err := r.Do(context.Background(), func(attempt int) (any, error) {
		calls++
		if attempt < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	classifier := func(err error) bool { return false }
	r := New(&Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond}, classifier, nil)

	calls := 0
	_, err := r.Do(context.Background(), func(attempt int) (any, error) {
		calls++
		return nil, errors.New("fatal")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := New(&Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil, nil)

	calls := 0
	_, err := r.Do(context.Background(), func(attempt int) (any, error) {
		calls++
		return nil, errors.New("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(&Policy{MaxAttempts: 3, InitialBackoff: time.Hour}, nil, nil)
	_, err := r.Do(ctx, func(attempt int) (any, error) {
		if attempt == 0 {
			return nil, errors.New("fail once")
		}
		return "ok", nil
	})
	require.Error(t, err)
}
