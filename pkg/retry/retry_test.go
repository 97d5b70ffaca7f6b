package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KSD-CO/rule-engine-postgres-sub003/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return stderrors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := stderrors.New("boom")
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "retry failed after 3 attempts")
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return NonRetryable(stderrors.New("fatal"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsNonRetryable(err))
}

func TestDoRetryIfFilter(t *testing.T) {
	cfg := fastConfig(5)
	cfg.RetryIf = errors.IsRetriable

	calls := 0
	configErr := errors.WrapConfig(stderrors.New("bad url"), "Config", "Validate", "check url")
	err := Do(context.Background(), cfg, func() error {
		calls++
		return configErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "config errors must not be retried")

	calls = 0
	publishErr := errors.WrapPublish(stderrors.New("send failed"), "Publisher", "Publish", "send")
	err = Do(context.Background(), cfg, func() error {
		calls++
		return publishErr
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls, "publish errors are retriable")
}

func TestRetriableOnly(t *testing.T) {
	cfg := RetriableOnly()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	calls := 0
	connErr := errors.WrapConnection(stderrors.New("broker unavailable"), "Conn", "dial", "connect")
	err := Do(context.Background(), cfg, func() error {
		calls++
		return connErr
	})
	require.Error(t, err)
	assert.Equal(t, cfg.MaxAttempts, calls, "connection errors are retried to the cap")

	calls = 0
	streamErr := errors.WrapStream(stderrors.New("stream name already in use"), "Publisher", "EnsureStream", "create stream")
	err = Do(context.Background(), cfg, func() error {
		calls++
		return streamErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, streamErr)
	assert.Equal(t, 1, calls, "definition conflicts return on the first attempt")
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func() error {
		calls++
		return stderrors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls, 2)
}

func TestDoUnboundedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	cfg := fastConfig(Unbounded)
	err := Do(ctx, cfg, func() error {
		return stderrors.New("still down")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoValidatesConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.Error(t, err)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	result, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls < 2 {
			return "", stderrors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}
