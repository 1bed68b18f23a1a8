package reliability

import (
	"context"
	"math"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay calculates the next retry delay
	NextDelay(attempt int) time.Duration
}

// Classifier reports whether an error is worth another attempt.
type Classifier func(err error) bool

// ExponentialBackoff waits InitialInterval·Multiplier^attempt between attempts.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	// MaxInterval caps a single delay. Zero means no cap.
	MaxInterval time.Duration
	Multiplier  float64
	MaxAttempts int
	// Retryable classifies errors; nil treats every error as retryable.
	Retryable Classifier
}

// NewExponentialBackoff creates a new exponential backoff policy. A multiplier
// of 1 waits the same initial interval before every attempt.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
	}
}

// DoublingBackoff is the reconnect schedule of the consumer loop: unit·2^attempt
// for at most maxRetries attempts.
func DoublingBackoff(unit time.Duration, maxRetries int, retryable Classifier) *ExponentialBackoff {
	eb := NewExponentialBackoff(unit, 0, 2.0, maxRetries)
	eb.Retryable = retryable
	return eb
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}
	if !e.retryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	return time.Duration(delay)
}

func (e *ExponentialBackoff) retryable(err error) bool {
	if err == nil {
		return false
	}
	if e.Retryable == nil {
		return true
	}
	return e.Retryable(err)
}

// Retry runs fn until it succeeds, the policy gives up or ctx ends. When the
// policy runs out of attempts on a retryable error the result is a *RetryError
// wrapping the last error; a non-retryable error is returned as is.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func() error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			if attempt < policy.MaxRetries() {
				return err
			}
			return &RetryError{
				Op:          op,
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries() + 1,
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
