package errors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientError(t *testing.T) {
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return NetworkError("timeout", nil)
		}
		return nil
	}

	err := Retry(context.Background(), fastRetry(), fn)

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	attempts := 0
	fn := func() error {
		attempts++
		return New(ErrCodeNetworkUnavailable, "connection refused", nil)
	}

	cfg := fastRetry()
	cfg.MaxRetries = 2
	err := Retry(context.Background(), cfg, fn)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, attempts) // initial + 2 retries
	assert.True(t, IsRetryable(err))
}

func TestRetry_StopsOnValidationError(t *testing.T) {
	attempts := 0
	validation := New(ErrCodeDimensionMismatch, "expected 8 dims, got 4", nil)

	err := Retry(context.Background(), fastRetry(), func() error {
		attempts++
		return validation
	})

	assert.Equal(t, 1, attempts)
	assert.Same(t, validation, err)
}

func TestRetry_StopsOnPlainError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(), func() error {
		attempts++
		return errors.New("boom")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_RetryAllRetriesPlainErrors(t *testing.T) {
	attempts := 0
	cfg := fastRetry()
	cfg.RetryAll = true

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("flaky")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32

	cfg := fastRetry()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func() error {
		attempts.Add(1)
		return NetworkError("timeout", nil)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	attempts := 0
	v, err := RetryWithResult(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", New(ErrCodeGenerationUnavailable, "503", nil)
		}
		return "answer", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "answer", v)
	assert.Equal(t, 2, attempts)
}

func TestRetryWithResult_ZeroValueOnFailure(t *testing.T) {
	cfg := fastRetry()
	cfg.MaxRetries = 1

	v, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		return 42, NetworkError("timeout", nil)
	})

	assert.Error(t, err)
	assert.Zero(t, v)
}
