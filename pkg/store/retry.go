// retry.go provides automatic retry logic for transient SQLite errors.
//
// With the authority appending history while the CLI reads the same file,
// WAL-mode SQLite can produce transient errors like SQLITE_BUSY,
// SQLITE_LOCKED, and IOERR_SHORT_READ (error 522). The busy_timeout pragma
// handles SQLITE_BUSY at the connection level, but other transient errors
// need application-level retries.
//
// Delays come from an exponential backoff with jitter; anything that is not
// a transient SQLite error stops the loop immediately.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// defaultRetryConfig is used for all store write operations.
var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransientSQLiteErr returns true if the error is a transient SQLite error
// that can be resolved by retrying. This includes:
//   - SQLITE_BUSY (5): another connection holds a lock
//   - SQLITE_LOCKED (6): table-level lock conflict
//   - SQLITE_IOERR_SHORT_READ (522): WAL contention read failure
//   - database is locked: text-level detection for the busy_timeout fallthrough
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// SQLite error codes embedded in error messages from modernc.org/sqlite.
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",   // SQLITE_BUSY code
		"(6)",   // SQLITE_LOCKED code
		"(522)", // SQLITE_IOERR_SHORT_READ code
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// newBackOff builds the delay schedule for cfg: baseDelay doubling up to
// maxDelay, randomised by ±50%, for at most maxRetries retries.
func newBackOff(ctx context.Context, cfg retryConfig) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.baseDelay
	exp.MaxInterval = cfg.maxDelay
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, cfg.maxRetries), ctx)
}

// retryOp executes fn, retrying transient errors until cfg is exhausted or
// ctx is done. A non-transient error is returned immediately.
func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransientSQLiteErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}, newBackOff(ctx, cfg))
}
