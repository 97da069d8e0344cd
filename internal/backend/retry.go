package backend

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/reanahub/reana-job-controller/internal/metrics"
)

// RetryConfig holds configuration for submission retry logic
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialDelay   time.Duration // Initial delay between retries
	MaxDelay       time.Duration // Maximum delay between retries
	BackoffFactor  float64       // Exponential backoff factor (e.g., 2.0)
	JitterFraction float64       // Fraction of delay to add as random jitter (0.0-1.0)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
	}
}

// IsRetryable checks if an error is worth another submission attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		return !subErr.Permanent
	}

	return isTransientError(err)
}

// isTransientError checks if an error is likely transient: network
// timeouts are; cancellations and any other error are not.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// RetrySubmit executes a submit function with exponential backoff retry
// logic. Only transient errors are retried; permanent submission errors
// and context cancellation return immediately.
func RetrySubmit(ctx context.Context, config *RetryConfig, backendName string, fn func() (string, error)) (string, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		backendJobID, err := fn()
		if err == nil {
			if attempt > 0 {
				logging.Log.WithField("backend", backendName).
					WithField("attempt", attempt+1).
					Info("Submission succeeded after retry")
			}
			return backendJobID, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			logging.Log.WithField("backend", backendName).
				WithField("attempt", attempt+1).
				WithError(err).
				Warn("Non-retryable submission error")
			return "", err
		}

		if attempt >= config.MaxRetries {
			logging.Log.WithField("backend", backendName).
				WithField("attempts", attempt+1).
				WithError(err).
				Error("Max submission retries exceeded")
			return "", lastErr
		}

		if attempt > 0 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		jitteredDelay := addJitter(delay, config.JitterFraction)

		metrics.RecordSubmissionRetry(backendName)
		logging.Log.WithField("backend", backendName).
			WithField("attempt", attempt+1).
			WithField("delay", jitteredDelay).
			WithError(err).
			Info("Retrying submission after delay")

		select {
		case <-time.After(jitteredDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "", lastErr
}

// addJitter adds random jitter to a duration
func addJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}

	jitter := time.Duration(rand.Float64() * float64(d) * fraction)
	return d + jitter
}
