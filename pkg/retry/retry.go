// Package retry retries transient failures of process-level dependencies such
// as the metadata database at startup. The report engine itself never retries a
// task; the next trigger is its only retry mechanism.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Config defines exponential backoff behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// StartupConfig waits out a database container that is still booting:
// 6 attempts, 500ms doubling to at most 8s.
func StartupConfig() *Config {
	return &Config{
		MaxAttempts:  6,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

// DoWithResult calls fn until it succeeds, returns a non-transient error, or
// attempts run out. Waiting between attempts stops early on ctx cancellation.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = StartupConfig()
	}

	var zero T
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, lastErr
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timed out",
	"timeout",
	"too many connections",
	"the database system is starting up",
	"network is unreachable",
}

// IsTransient reports whether err looks like a temporary network or server
// condition worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
