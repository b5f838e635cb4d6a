package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// RetryConfig holds configuration for the exponential backoff retry loop.
type RetryConfig struct {
	MaxAttempts   int           // Total attempts including the first call
	BaseDelay     time.Duration // Sleep before the second attempt, doubled after each failure
	MaxDelay      time.Duration // Cap for a single sleep
	MaxTotalDelay time.Duration // Budget for all sleeps of one call; 0 means unbounded
	Jitter        bool          // Full jitter on each sleep

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns the defaults used for backend calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      4 * time.Second,
		MaxTotalDelay: 5 * time.Second,
	}
}

// Classifier reports whether an error is worth another attempt.
type Classifier func(err error) bool

// RetryableFunc is a function that can be retried.
// It should return a non-nil error to trigger a retry.
type RetryableFunc func(ctx context.Context) error

// ErrRetriesExhausted wraps the last error once every attempt failed
// with a retryable error or the delay budget ran out.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retry executes fn until it succeeds, returns an error the classifier
// rejects, or the attempt/delay budget is spent. Definitive errors are
// returned unwrapped so callers can inspect them directly.
func Retry(ctx context.Context, cfg RetryConfig, retryable Classifier, fn RetryableFunc) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if retryable == nil {
		retryable = IsTransient
	}

	var (
		lastErr error
		slept   time.Duration
	)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: context cancelled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoff(attempt, cfg)
		if cfg.MaxTotalDelay > 0 && slept+delay > cfg.MaxTotalDelay {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: context cancelled during backoff: %w", ctx.Err())
		case <-timer.C:
		}
		slept += delay
	}

	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// backoff returns the sleep after the given (1-based) failed attempt:
// base * 2^(attempt-1), capped at MaxDelay, optionally fully jittered.
func backoff(attempt int, cfg RetryConfig) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		d = rand.Float64() * d
	}
	if d < float64(time.Millisecond) {
		d = float64(time.Millisecond)
	}
	return time.Duration(d)
}

// HTTPStatusError is a non-2xx answer from an upstream HTTP service.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("upstream returned %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// IsTransient classifies connection failures, timeouts and 5xx answers as
// retryable. Any 4xx is definitive. Caller cancellation is never retried.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
