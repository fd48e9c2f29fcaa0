// Package retry implements the Ask-with-retry helper of spec.md §9: one call
// under a single correlation id, with a per-attempt timeout and bounded
// exponential-backoff retry. No other package of this module calls it.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"twinupdater/core"
)

// Policy is the ask.{timeout,retries,backoff} configuration of spec.md §6.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// Ask is an outbound call that can be retried: a fetch against Mongo, the
// policy loader, or the signal enrichment endpoint.
type Ask[T any] func(ctx context.Context) (T, error)

// AskWithRetry issues ask under policy, stamping each attempt with a
// correlation id (for log correlation across retries, mirroring the
// teacher's request/response trace logging) and bounding each individual
// attempt by policy.Timeout. Retries stop at policy.MaxRetries or when ctx
// is done, whichever comes first.
func AskWithRetry[T any](ctx context.Context, policy Policy, ask Ask[T]) (T, error) {
	correlationId := uuid.New().String()
	var result T

	backoffPolicy := backoff.WithContext(
		backoff.WithMaxRetries(newExponentialBackOff(policy.BaseDelay), uint64(policy.MaxRetries)),
		ctx,
	)

	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()

		value, err := ask(attemptCtx)
		if err == nil {
			result = value
			return nil
		}

		core.Warn("ask attempt failed",
			zap.String("correlationId", correlationId),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	err := backoff.Retry(operation, backoffPolicy)
	return result, err
}

func newExponentialBackOff(baseDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if baseDelay > 0 {
		b.InitialInterval = baseDelay
	}
	return b
}
