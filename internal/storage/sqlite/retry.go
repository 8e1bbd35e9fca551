package sqlite

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

const (
	maxWriteAttempts = 3
	baseBackoff      = 50 * time.Millisecond
	maxBackoff       = 1 * time.Second
)

// withRetry runs op, retrying a small bounded number of times when the
// database reports write contention. Anything else surfaces immediately.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		err = op()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffWithJitter(attempt)):
		}
	}
	return fmt.Errorf("write contention persisted after %d attempts: %w", maxWriteAttempts, err)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// backoffWithJitter doubles the delay per attempt, capped, with +/-25%
// jitter so concurrent retriers do not stampede in lockstep.
func backoffWithJitter(attempt int) time.Duration {
	backoff := baseBackoff << uint(attempt)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/2)) - backoff/4
	return backoff + jitter
}
