package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defi-aggregator/internal/errors"
	"github.com/defi-aggregator/internal/types"
)

func fastConfig() *Config {
	return &Config{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Multiplier:    2.0,
		OnlyRetryable: true,
	}
}

func TestSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
}

func TestRetriesTransientErrors(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return errors.NewNetworkUnavailableError(types.NetworkEthereum)
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, calls)
}

func TestDomainErrorsAreNotRetried(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.NewPositionInactiveError("0xabc", 0)
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsCode(result.LastError, errors.CodePositionInactive))
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.NewSourceUnavailableError(types.ProtocolAave, fmt.Errorf("index down"))
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.True(t, errors.IsCode(err, errors.CodeSourceUnavailable))
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		calls++
		return errors.NewNetworkUnavailableError(types.NetworkPolygon)
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestCancelledContextRunsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	result := WithExponentialBackoff(ctx, fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.NewNetworkUnavailableError(types.NetworkPolygon)
	})

	assert.False(t, result.Success)
	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}
