package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastRetryConfig(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetrySubmit(t *testing.T) {
	tests := []struct {
		name           string
		maxRetries     int
		failures       int
		failWith       error
		expectError    bool
		expectAttempts int
	}{
		{
			name:           "successful on first attempt",
			maxRetries:     3,
			failures:       0,
			expectError:    false,
			expectAttempts: 1,
		},
		{
			name:           "successful after transient failures",
			maxRetries:     3,
			failures:       2,
			failWith:       TransientSubmissionError("gateway error", errors.New("503")),
			expectError:    false,
			expectAttempts: 3,
		},
		{
			name:           "max retries exceeded",
			maxRetries:     2,
			failures:       10,
			failWith:       TransientSubmissionError("gateway error", errors.New("503")),
			expectError:    true,
			expectAttempts: 3, // initial attempt + 2 retries
		},
		{
			name:           "permanent error fails fast",
			maxRetries:     3,
			failures:       10,
			failWith:       PermanentSubmissionError("bad image", errors.New("no such image")),
			expectError:    true,
			expectAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			got, err := RetrySubmit(context.Background(), fastRetryConfig(tt.maxRetries), "test", func() (string, error) {
				attempts++
				if attempts <= tt.failures {
					return "", tt.failWith
				}
				return "backend-1", nil
			})

			assert.Equal(t, tt.expectAttempts, attempts)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, "backend-1", got)
			}
		})
	}
}

func TestRetrySubmitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := RetrySubmit(ctx, fastRetryConfig(3), "test", func() (string, error) {
		attempts++
		return "", TransientSubmissionError("x", errors.New("x"))
	})

	assert.Error(t, err)
	assert.Equal(t, 0, attempts)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(PermanentSubmissionError("bad", errors.New("bad"))))
	assert.True(t, IsRetryable(TransientSubmissionError("flaky", errors.New("flaky"))))
	assert.False(t, IsRetryable(errors.New("unclassified")))
}
