package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error codes for failures that carry no SQLSTATE.
const (
	CodeTimeout      = "timeout"
	CodeConnection   = "connection"
	CodeCancelled    = "cancelled"
	CodeUnclassified = "unclassified"
)

// ExecError is a classified target database failure. Transient errors may
// succeed when the same statement is retried; fatal errors will not.
type ExecError struct {
	Code      string // SQLSTATE or one of the Code* constants
	Transient bool
	Err       error
}

func (e *ExecError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s execution error [%s]: %v", kind, e.Code, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsRetryable lets pkg/retry treat transient execution errors as retryable.
func (e *ExecError) IsRetryable() bool {
	return e.Transient
}

// IsTransient reports whether err is a transient *ExecError.
func IsTransient(err error) bool {
	var execErr *ExecError
	return errors.As(err, &execErr) && execErr.Transient
}

// Classify converts a driver error into an *ExecError. Nil stays nil and
// errors that are already classified are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &ExecError{Code: pgErr.Code, Transient: transientSQLState(pgErr.Code), Err: err}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &ExecError{Code: CodeCancelled, Err: err}
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		return &ExecError{Code: CodeTimeout, Transient: true, Err: err}
	case isConnectionError(err):
		return &ExecError{Code: CodeConnection, Transient: true, Err: err}
	}
	return &ExecError{Code: CodeUnclassified, Err: err}
}

// transientSQLState reports whether a SQLSTATE describes a condition that
// can clear on its own: connection loss, serialization failures and
// deadlocks, resource exhaustion, shutdowns, and statement timeouts.
func transientSQLState(code string) bool {
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"57014", // query_canceled (statement_timeout)
		"57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03": // cannot_connect_now
		return true
	}
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53")
}

func isConnectionError(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}
