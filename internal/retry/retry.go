// Package retry runs operations against flaky collaborators with bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound of any delay
	Multiplier   float64       // Backoff growth per attempt
	// ShouldRetry decides whether an error is worth another attempt.
	// Defaults to errors.IsRetryable.
	ShouldRetry func(error) bool
}

// DefaultConfig returns the configuration used for analytics and social calls.
// Pattern: 500ms, 1s, 2s
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Result contains information about a finished retry loop
type Result struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// Func is an operation that can be retried; attempt starts at 1
type Func func(ctx context.Context, attempt int) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable regardless of ShouldRetry
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WithExponentialBackoff runs fn until it succeeds, returns a non-retryable
// error, runs out of attempts or ctx is done
func WithExponentialBackoff(ctx context.Context, cfg *Config, fn Func) *Result {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = apperrors.IsRetryable
	}

	logger := logging.FromContext(ctx)
	start := time.Now()
	result := &Result{}

	for attempt := 1; attempt <= max(cfg.MaxAttempts, 1); attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(start)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration.String(),
				}).Info("Operation succeeded after retry")
			}
			return result
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			result.LastError = perm.err
			break
		}
		result.LastError = err

		if attempt >= cfg.MaxAttempts || !shouldRetry(err) {
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := Backoff(cfg, attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": cfg.MaxAttempts,
			"delay":       delay.String(),
			"error":       err.Error(),
		}).Warn("Operation failed, retrying with exponential backoff")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// Backoff returns the delay after the given failed attempt:
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay
func Backoff(cfg *Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Do is WithExponentialBackoff returning only the final error
func Do(ctx context.Context, cfg *Config, fn Func) error {
	result := WithExponentialBackoff(ctx, cfg, fn)
	if !result.Success {
		if result.Attempts > 1 {
			return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
		}
		return result.LastError
	}
	return nil
}
