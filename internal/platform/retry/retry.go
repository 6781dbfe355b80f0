// Package retry holds the read-retry policy shared by storage adapters:
// a transient failure on a read is retried once, immediately.
package retry

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Transient reports whether err looks like a timeout or dropped connection
// rather than a definitive answer from the store.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception; 57014: query_canceled (statement timeout)
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code == "57014")
	}
	return pgconn.SafeToRetry(err)
}

// ReadOnce runs fn and, if it fails transiently while ctx is still live, runs it once more.
func ReadOnce[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err == nil || !Transient(err) || ctx.Err() != nil {
		return v, err
	}
	return fn(ctx)
}
