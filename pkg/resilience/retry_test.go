package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), IsTransient, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{Status: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnDefinitiveError(t *testing.T) {
	calls := 0
	definitive := &HTTPStatusError{Status: 401, Body: "bad key"}
	err := Retry(context.Background(), fastRetry(5), IsTransient, func(ctx context.Context) error {
		calls++
		return definitive
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, definitive, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), IsTransient, func(ctx context.Context) error {
		calls++
		return &HTTPStatusError{Status: 502}
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 502, statusErr.Status)
}

func TestRetry_TotalDelayBudget(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:   10,
		BaseDelay:     20 * time.Millisecond,
		MaxTotalDelay: 50 * time.Millisecond,
	}
	calls := 0
	err := Retry(context.Background(), cfg, IsTransient, func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	})

	// sleeps of 20ms then 40ms would exceed the 50ms budget
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetry_OnRetryHook(t *testing.T) {
	var delays []time.Duration
	cfg := RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		},
	}
	_ = Retry(context.Background(), cfg, IsTransient, func(ctx context.Context) error {
		return &HTTPStatusError{Status: 500}
	})

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetry(3), IsTransient, func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, backoff(1, cfg))
	assert.Equal(t, 200*time.Millisecond, backoff(2, cfg))
	assert.Equal(t, 300*time.Millisecond, backoff(3, cfg))

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := backoff(2, cfg)
		assert.GreaterOrEqual(t, d, time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", &HTTPStatusError{Status: 500}, true},
		{"503 wrapped", fmt.Errorf("call: %w", &HTTPStatusError{Status: 503}), true},
		{"400", &HTTPStatusError{Status: 400}, false},
		{"429", &HTTPStatusError{Status: 429}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
