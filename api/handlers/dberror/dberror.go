// Package dberror classifies Postgres errors for API responses and retries.
package dberror

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/doomscroll/backend/utils/pkg/retry"
)

// ErrorType classifies database errors for appropriate handling.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConnectivity indicates the database is unreachable.
	ErrorTypeConnectivity
	ErrorTypeTimeout
	ErrorTypeAuth
	// ErrorTypeQuery is a bad statement or a missing relation.
	ErrorTypeQuery
)

// Messages from pgx and the dialer that carry no SQLSTATE, checked in order.
var patterns = []struct {
	typ    ErrorType
	needle []string
}{
	{ErrorTypeConnectivity, []string{
		"connection refused", "connection reset", "broken pipe", "no such host",
		"network is unreachable", "closed pool", "conn closed", "failed to connect",
		"unexpected eof",
	}},
	{ErrorTypeTimeout, []string{"timeout", "deadline exceeded", "timed out"}},
	{ErrorTypeAuth, []string{"password authentication failed", "permission denied"}},
	{ErrorTypeQuery, []string{"syntax error", "does not exist"}},
}

// Classify determines the type of database error.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	if pgconn.Timeout(err) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnectivity
	}

	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, n := range p.needle {
			if strings.Contains(msg, n) {
				return p.typ
			}
		}
	}
	return ErrorTypeUnknown
}

// classifySQLState maps a Postgres SQLSTATE code by class.
func classifySQLState(code string) ErrorType {
	switch {
	// Connection exceptions, operator shutdowns and too_many_connections.
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "57P"), code == "53300":
		return ErrorTypeConnectivity
	case code == "57014": // query_canceled, includes statement_timeout
		return ErrorTypeTimeout
	case strings.HasPrefix(code, "28"):
		return ErrorTypeAuth
	case strings.HasPrefix(code, "42"):
		return ErrorTypeQuery
	default:
		return ErrorTypeUnknown
	}
}

// IsTransient reports whether err is worth retrying. A cancelled or expired
// request context never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch Classify(err) {
	case ErrorTypeConnectivity, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// UserMessage returns the message shown to API clients for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case ErrorTypeConnectivity:
		return "Database temporarily unavailable. Please try again in a moment."
	case ErrorTypeTimeout:
		return "Request timed out. Please try again."
	case ErrorTypeAuth:
		return "Database authentication error. Please contact support."
	case ErrorTypeQuery:
		return "Invalid query. Please check your input."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// DefaultRetryConfig is tuned for request paths: short waits, few attempts.
func DefaultRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Retry runs fn, retrying only transient database errors.
func Retry[T any](ctx context.Context, cfg retry.Config, fn func() (T, error)) (T, error) {
	cfg.Retryable = IsTransient
	return retry.DoValue(ctx, cfg, fn)
}
