package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}
}

func TestRetry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
	require.Nil(t, cfg.Retryable)
}

func TestRetry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("wraps last error when attempts are exhausted", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		originalErr := errors.New("connection reset")
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return originalErr
		})
		require.ErrorIs(t, err, originalErr)
		require.Equal(t, 3, attempts)
	})

	t.Run("returns non-retryable error unwrapped", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		originalErr := errors.New("invalid input")
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return originalErr
		})
		require.Equal(t, originalErr, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		originalErr := errors.New("connection reset")
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return Permanent(originalErr)
		})
		require.Equal(t, originalErr, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("uses custom classifier", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("custom")
		cfg := fastConfig(4)
		cfg.Retryable = func(err error) bool { return errors.Is(err, sentinel) }

		var retried []int
		cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

		attempts := 0
		err := Do(context.Background(), cfg, func() error {
			attempts++
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)
		require.Equal(t, 4, attempts)
		require.Equal(t, []int{2, 3, 4}, retried)
	})

	t.Run("honours context cancellation between attempts", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errors.New("connection reset")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 2, attempts)
	})
}

func TestRetry_DoValue(t *testing.T) {
	t.Parallel()

	attempts := 0
	v, err := DoValue(context.Background(), fastConfig(3), func() (uint64, error) {
		attempts++
		if attempts == 1 {
			return 0, errors.New("429 too many requests")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
	require.Equal(t, 2, attempts)
}

func TestRetry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"net timeout", &net.OpError{Op: "read", Err: &timeoutErr{}}, true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"EOF", errors.New("EOF"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"node behind", errors.New("RPC error: Node is behind by 120 slots"), true},
		{"429 status", &httpError{statusCode: http.StatusTooManyRequests}, true},
		{"503 status", &httpError{statusCode: http.StatusServiceUnavailable}, true},
		{"400 status", &httpError{statusCode: http.StatusBadRequest}, false},
		{"plain validation", errors.New("invalid account data"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		minExp  time.Duration
		maxExp  time.Duration
	}{
		{"first retry", 500 * time.Millisecond, 5 * time.Second, 1, 500 * time.Millisecond, time.Second},
		{"second retry", 500 * time.Millisecond, 5 * time.Second, 2, time.Second, 2 * time.Second},
		{"capped at max", 500 * time.Millisecond, 5 * time.Second, 4, 2500 * time.Millisecond, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for i := 0; i < 10; i++ {
				got := calculateBackoff(tt.base, tt.max, tt.attempt)
				require.GreaterOrEqual(t, got, tt.minExp)
				require.LessOrEqual(t, got, tt.maxExp)
			}
		})
	}
}

type timeoutErr struct{}

func (e *timeoutErr) Error() string   { return "i/o timeout" }
func (e *timeoutErr) Timeout() bool   { return true }
func (e *timeoutErr) Temporary() bool { return true }

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }
