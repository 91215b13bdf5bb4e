package sessionstore

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryConfig bounds a retried operation. Attempt n waits Backoff*n before
// the next one.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

func (r RetryConfig) delay(attempt int) time.Duration {
	return r.Backoff * time.Duration(attempt)
}

// sleep waits d on clock. It returns false if ctx ended first.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}
