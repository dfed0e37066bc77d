package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/aperritano/Nutella/errors"
)

func TestRetry_Success(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	attempts := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_FatalStopsImmediately(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	attempts := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		return nerrors.WrapFatal(nerrors.ErrInvalidConfig, "test", "Do", "connect")
	})

	assert.True(t, nerrors.IsFatal(err))
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func(context.Context) error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_UnlimitedUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: Unlimited, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	attempts := 0
	err := Do(ctx, cfg, func(context.Context) error {
		attempts++
		if attempts == 20 {
			cancel()
		}
		return errors.New("down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 20, attempts)
}

func TestRetry_OnRetryHook(t *testing.T) {
	var delays []time.Duration
	cfg := Config{
		MaxAttempts:  4,
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		OnRetry: func(_ int, _ error, next time.Duration) {
			delays = append(delays, next)
		},
	}

	_ = Do(context.Background(), cfg, func(context.Context) error {
		return errors.New("error")
	})

	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond}, delays)
}

func TestRetry_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func(context.Context) error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond},
		func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestRetry_WithResult(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	attempts := 0
	result, err := DoWithResult(context.Background(), cfg, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not ready")
		}
		return "connected", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "connected", result)
}

func TestRetry_Presets(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)

	rc := Reconnect(time.Second)
	assert.Equal(t, Unlimited, rc.MaxAttempts)
	assert.Equal(t, time.Second, rc.InitialDelay)
	assert.Equal(t, 30*time.Second, rc.MaxDelay)

	assert.Equal(t, time.Second, Reconnect(0).InitialDelay)
	assert.Equal(t, time.Minute, Reconnect(time.Minute).MaxDelay)
}

func TestRetry_ZeroAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func(context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}
