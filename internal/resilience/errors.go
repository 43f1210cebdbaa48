package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// ErrRecentlyWritten is returned by a store when an in-place update targets
// a row still inside its settle window. Appends are never affected. The
// condition clears by itself, so callers retry and then defer the write.
var ErrRecentlyWritten = eris.New("row was written too recently to be updated")

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// Postgres SQLSTATEs that clear on retry: serialization_failure,
// deadlock_detected, lock_not_available, too_many_connections,
// admin_shutdown, cannot_connect_now.
var transientPgCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"53300": true,
	"57P01": true,
	"57P03": true,
}

// IsRecentlyWritten reports whether err is the settle-window condition.
func IsRecentlyWritten(err error) bool {
	return err != nil && errors.Is(err, ErrRecentlyWritten)
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, the settle-window condition, a retryable Postgres
// SQLSTATE, a locked SQLite database, or a network failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRecentlyWritten) {
		return true
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgCodes[pgErr.Code]
	}

	return IsUnavailable(err)
}

// IsUnavailable reports whether err means the backing store could not be
// reached at all. Only these failures count toward the circuit breaker.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"failed to connect",
		"conn closed",
		"database is locked",
		"sqlite_busy",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify labels an error for logs and the deferred queue.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case IsRecentlyWritten(err):
		return "settling"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}

// IsTransientHTTPStatus reports whether an HTTP status from a price-list
// download is worth retrying.
func IsTransientHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
