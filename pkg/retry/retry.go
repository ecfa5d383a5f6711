// Package retry wraps avast/retry-go with the Fibonacci backoff policy
// yascheduler applies to transient SSH, SFTP and database errors: retry
// until a 60-second budget is exhausted, then give up and surface the
// error to the caller.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgconn"
)

const defaultBudget = 60 * time.Second

// Do runs fn under Fibonacci backoff until it succeeds, ctx is canceled,
// or the retry budget is spent. retryable decides whether an error is
// worth retrying; a nil retryable retries every error.
func Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	start := time.Now()
	return retrygo.Do(
		fn,
		retrygo.Context(ctx),
		retrygo.Attempts(0), // unbounded; budget below cuts it off
		retrygo.DelayType(retrygo.FibonacciDelay),
		retrygo.Delay(200*time.Millisecond),
		retrygo.MaxDelay(5*time.Second),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(func(err error) bool {
			if time.Since(start) > defaultBudget {
				return false
			}
			if retryable == nil {
				return true
			}
			return retryable(err)
		}),
	)
}

// SSH is the retryable predicate for SSH/SFTP operations: connection
// resets, timeouts, and EOF from a connection that dropped mid-command.
func SSH(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// DB is the retryable predicate for database operations: connection-class
// pgconn errors, the Go analogue of db.py's InterfaceError.
func DB(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 = connection exception
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// HTTP is the retryable predicate for webhook delivery: network-level
// failures only, never a non-2xx status (that is a delivery failure, not
// a transient error, and the caller's job is just to log and drop it).
func HTTP(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}
