// Package retry runs an operation a bounded number of times, retrying only
// the errors a predicate accepts.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/greymass/dualsink/libraries/logger"
)

type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	Retryable   func(error) bool
	// Delay before attempt n+1 is Delay<<(n-1), capped at MaxDelay. Zero
	// retries immediately.
	Delay    time.Duration
	MaxDelay time.Duration
	// Name and Category label the retry log lines.
	Name     string
	Category string
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. fn receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	category := p.Category
	if category == "" {
		category = "warning"
	}

	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt == max {
			break
		}

		delay := backoff(p, attempt)
		logger.Printf(category, "%s attempt %d/%d failed: %v (retrying in %v)", p.Name, attempt, max, err, delay)
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return &ExhaustedError{Name: p.Name, Attempts: max, Err: err}
}

func backoff(p Policy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	d := p.Delay << uint(min(attempt-1, 10))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
