package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/taskwarden/taskwarden/pkg/stores"
)

// RetryPolicy bounds retries of transient store failures. The zero value
// takes the defaults: 3 attempts, 50ms base delay, 1s cap.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Second
	}
	return p
}

// withStoreRetry runs op against the store, retrying transient failures
// with jittered exponential backoff. Refusals, not-found, and duplicates
// pass through untouched. When attempts run out the last error is wrapped
// as BACKEND_UNAVAILABLE so callers and facades can report the outage
// instead of a spurious refusal.
func (e *Engine) withStoreRetry(ctx context.Context, operation string, op func() error) error {
	policy := e.storeRetry.normalized()

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryableStoreErr(lastErr) {
			return lastErr
		}

		e.metrics().RecordError("transient", ErrCodeBackendUnavailable)
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := retryBackoff(attempt, policy)
		e.logger.Warn().Err(lastErr).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("transient store failure, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return NewTransientError("store retry interrupted", ctx.Err()).
				WithCode(ErrCodeBackendUnavailable).WithOperation(operation)
		}
	}

	return NewTransientError("store unavailable after retries", lastErr).
		WithCode(ErrCodeBackendUnavailable).WithOperation(operation)
}

// retryBackoff computes the delay before the next attempt: exponential
// from the base, capped, with up to 25% random jitter to spread
// contending writers apart.
func retryBackoff(attempt int, policy RetryPolicy) time.Duration {
	delay := time.Duration(float64(policy.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// isRetryableStoreErr reports whether an error is a transient storage
// fault worth retrying. Sentinel errors and engine refusals never are;
// SQLite lock contention and explicitly transient errors are.
func isRetryableStoreErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, stores.ErrNotFound) || errors.Is(err, stores.ErrDuplicate) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Class == ErrorClassTransient
	}

	// modernc sqlite surfaces lock contention as text, not typed errors.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}
