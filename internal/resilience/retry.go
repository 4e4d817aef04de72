package resilience

import (
	"context"
	"math"
	"strings"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts       int           // Maximum number of attempts
	InitialBackoff    time.Duration // Initial backoff duration
	MaxBackoff        time.Duration // Maximum backoff duration
	BackoffMultiplier float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// IsRetryableError checks if an error is retryable
type IsRetryableError func(error) bool

// Retry executes fn until it succeeds, returns a non-retryable error, runs
// out of attempts or ctx is done
func Retry(ctx context.Context, fn RetryableFunc, config *RetryConfig, isRetryable IsRetryableError) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		// Don't sleep after the last attempt
		if attempt < config.MaxAttempts-1 {
			wait := CalculateBackoff(attempt, config.InitialBackoff, config.MaxBackoff, config.BackoffMultiplier)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	return lastErr
}

// CalculateBackoff calculates the backoff duration for a given attempt
func CalculateBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(attempt)))
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// RetryPolicy decides whether a network failure during an active hold is
// retried. Attempts are counted per recording phase by the caller; the delay
// before attempt n is Step*n.
type RetryPolicy struct {
	MaxAttempts int
	Step        time.Duration
}

// DefaultRetryPolicy allows two attempts, 800ms then 1.6s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Step: 800 * time.Millisecond}
}

// RetryDecision is the outcome of RetryPolicy.Next
type RetryDecision struct {
	Retry   bool
	Attempt int           // 1-based number of the attempt to schedule
	Delay   time.Duration // wait before the attempt
}

// Next evaluates a network failure given the attempts already used in this
// phase and whether the user is still holding. A released hold never retries.
func (p RetryPolicy) Next(attemptsUsed int, holding bool) RetryDecision {
	if !holding || attemptsUsed >= p.MaxAttempts {
		return RetryDecision{}
	}
	attempt := attemptsUsed + 1
	return RetryDecision{
		Retry:   true,
		Attempt: attempt,
		Delay:   p.Step * time.Duration(attempt),
	}
}

// IsRetryableNetworkError checks if an error is a retryable network error
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return IsNetworkMessage(err.Error())
}

// IsNetworkMessage reports whether a provider or transport error message
// describes a transient connectivity problem
func IsNetworkMessage(msg string) bool {
	msg = strings.ToLower(msg)

	// Connection errors
	if containsAny(msg, []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"broken pipe",
		"unexpected eof",
		"transport is closing",
		"unavailable",
		"network is unreachable",
		"no route to host",
		"no such host",
	}) {
		return true
	}

	// Timeout errors
	if containsAny(msg, []string{
		"deadline exceeded",
		"timeout",
		"timed out",
	}) {
		return true
	}

	// Resource exhaustion (may be temporary)
	return containsAny(msg, []string{
		"resource exhausted",
		"too many connections",
		"rate limit",
	})
}

func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
