package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAskWithRetry_SucceedsOnFirstAttempt(t *testing.T) {
	policy := Policy{Timeout: time.Second, MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	result, err := AskWithRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestAskWithRetry_RetriesUntilSuccess(t *testing.T) {
	policy := Policy{Timeout: time.Second, MaxRetries: 5, BaseDelay: time.Millisecond}
	calls := 0
	result, err := AskWithRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 7, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 7, result)
	assert.Equal(t, 3, calls)
}

func TestAskWithRetry_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	policy := Policy{Timeout: time.Second, MaxRetries: 2, BaseDelay: time.Millisecond}
	calls := 0
	_, err := AskWithRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("always fails")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls, "one initial attempt plus MaxRetries retries")
}

func TestAskWithRetry_ContextCancellationStopsRetrying(t *testing.T) {
	policy := Policy{Timeout: time.Second, MaxRetries: 10, BaseDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := AskWithRetry(ctx, policy, func(ctx context.Context) (int, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return 0, errors.New("transient")
	})
	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 4, "cancellation should stop further retries promptly")
}
