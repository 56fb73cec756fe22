// Package retry provides a single retry policy implementation with
// exponential backoff and pluggable error classification. Every caller that
// needs retries goes through this executor rather than reimplementing the
// loop locally.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"locpipe/internal/application/common/slogger"
	"locpipe/internal/port/outbound"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

// DefaultRetryConfig returns a default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// RetryableOperation represents an operation that can be retried.
type RetryableOperation func(ctx context.Context) error

// RetryableChecker classifies errors as retryable or terminal.
type RetryableChecker interface {
	IsRetryable(err error) bool
}

// DelayHinter is implemented by errors that carry a provider-suggested delay
// (for example a Retry-After header on a rate-limit response). When the hint
// exceeds the computed backoff, the executor honors the hint.
type DelayHinter interface {
	DelayHint() time.Duration
}

// RetryExecutor handles retry logic with exponential backoff.
type RetryExecutor struct {
	config           *RetryConfig
	retryableChecker RetryableChecker
}

// NewRetryExecutor creates a retry executor with the default checker.
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	return NewRetryExecutorWithChecker(config, nil)
}

// NewRetryExecutorWithChecker creates a retry executor with a custom checker.
func NewRetryExecutorWithChecker(config *RetryConfig, checker RetryableChecker) *RetryExecutor {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if checker == nil {
		checker = &DefaultRetryableChecker{}
	}
	return &RetryExecutor{
		config:           config,
		retryableChecker: checker,
	}
}

// Execute runs an operation with retry logic. A non-retryable error is
// returned immediately; exhaustion wraps the last error.
func (r *RetryExecutor) Execute(ctx context.Context, operation RetryableOperation) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt, lastErr)
			slogger.Debug(ctx, "Retrying operation after delay", slogger.Fields3(
				"attempt", attempt,
				"max_retries", r.config.MaxRetries,
				"delay_ms", delay.Milliseconds(),
			))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				slogger.Info(ctx, "Operation succeeded after retries", slogger.Fields{
					"attempt": attempt + 1,
				})
			}
			return nil
		}

		lastErr = err

		if !r.retryableChecker.IsRetryable(err) {
			slogger.Debug(ctx, "Error is not retryable", slogger.Fields2(
				"error", err.Error(),
				"attempt", attempt+1,
			))
			return err
		}

		slogger.Warn(ctx, "Operation failed, will retry", slogger.Fields3(
			"error", err.Error(),
			"attempt", attempt+1,
			"max_retries", r.config.MaxRetries,
		))
	}

	return fmt.Errorf("operation failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

// calculateDelay computes the backoff for a given attempt, honoring any delay
// hint carried by the previous error.
func (r *RetryExecutor) calculateDelay(attempt int, lastErr error) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// Random jitter up to +-25% of the delay.
		jitterRange := delay * 0.25
		delay += (rand.Float64() - 0.5) * 2 * jitterRange //nolint:gosec // Jitter does not need crypto randomness.
	}

	computed := time.Duration(delay)

	var hinter DelayHinter
	if errors.As(lastErr, &hinter) {
		if hint := hinter.DelayHint(); hint > computed {
			return hint
		}
	}

	return computed
}

// DefaultRetryableChecker classifies translation transport errors and common
// transient failure strings as retryable.
type DefaultRetryableChecker struct{}

// IsRetryable checks if an error should be retried.
func (d *DefaultRetryableChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var translationErr *outbound.TranslationError
	if errors.As(err, &translationErr) {
		return translationErr.IsRetryable()
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	// Connection-level errors.
	if containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"timeout",
		"connection lost",
		"too many connections",
	}) {
		return true
	}

	// Temporary errors.
	if containsAny(errStr, []string{
		"temporary",
		"try again",
		"resource temporarily unavailable",
	}) {
		return true
	}

	// Network errors.
	if containsAny(errStr, []string{
		"network is unreachable",
		"no route to host",
		"connection timed out",
	}) {
		return true
	}

	return false
}

// containsAny checks if the string contains any of the substrings.
func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// WithRetry executes a function with retry logic using the default configuration.
func WithRetry(ctx context.Context, operation RetryableOperation) error {
	return NewRetryExecutor(nil).Execute(ctx, operation)
}

// WithRetryConfig executes a function with custom retry configuration.
func WithRetryConfig(ctx context.Context, config *RetryConfig, operation RetryableOperation) error {
	return NewRetryExecutor(config).Execute(ctx, operation)
}

// WithRetryAndChecker executes a function with custom retry configuration and checker.
func WithRetryAndChecker(
	ctx context.Context,
	config *RetryConfig,
	checker RetryableChecker,
	operation RetryableOperation,
) error {
	return NewRetryExecutorWithChecker(config, checker).Execute(ctx, operation)
}
