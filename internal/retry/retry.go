package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is 3 attempts with exponential backoff capped at 30s.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
}

// HTTPError carries the status code of a rejected or failed HTTP exchange so
// the policy can classify it.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("http error: %s", e.Status)
	}
	return fmt.Sprintf("http error: status %d", e.StatusCode)
}

// IsRetryable classifies an error. Network failures, timeouts and HTTP
// 5xx/429/408 are transient; any other HTTP 4xx is fatal and retrying it
// only wastes quota.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode >= 500:
			return true
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return true
		case httpErr.StatusCode == http.StatusRequestTimeout:
			return true
		case httpErr.StatusCode >= 400:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do runs op under the policy, backing off exponentially between attempts
// with up to 30% jitter. A non-retryable error aborts immediately without
// consuming the remaining attempts. On final failure the original error is
// returned unchanged.
func Do[T any](ctx context.Context, logger *logrus.Logger, policy Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryable := IsRetryable(err)
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"operation": name,
				"attempt":   attempt,
				"retryable": retryable,
			}).WithError(err).Warn("Operation attempt failed")
		}

		if !retryable || attempt == attempts {
			break
		}

		select {
		case <-time.After(backoff(policy, attempt)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}

// backoff computes baseDelay * 2^(attempt-1) with up to 30% random jitter,
// capped at MaxDelay.
func backoff(policy Policy, attempt int) time.Duration {
	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/10*3 + 1))
	delay += jitter

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}
