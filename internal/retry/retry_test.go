package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	return &Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestWithExponentialBackoff_RetriesTransient(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return apperrors.NewTransientError("analytics", errors.New("502"))
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
}

func TestWithExponentialBackoff_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return apperrors.NewInvalidParameterError("sql", "empty")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, apperrors.Is(err, apperrors.CategoryValidation))
}

func TestWithExponentialBackoff_Permanent(t *testing.T) {
	boom := errors.New("bad request")
	cfg := fastConfig()
	cfg.ShouldRetry = func(error) bool { return true }

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(boom)
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWithExponentialBackoff_GivesUp(t *testing.T) {
	cfg := fastConfig()
	cfg.ShouldRetry = func(error) bool { return true }

	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestWithExponentialBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 2, ShouldRetry: func(error) bool { return true }}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.Canceled)
	assert.Equal(t, 1, result.Attempts)
}

func TestBackoff(t *testing.T) {
	cfg := &Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, Backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(cfg, 2))
	assert.Equal(t, 300*time.Millisecond, Backoff(cfg, 3))
}
