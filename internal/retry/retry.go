// Package retry runs calls against remote services with per-attempt timeouts
// and capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"groundedqa/internal/config"
)

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts  int
	Timeout      time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy is three attempts starting at 200ms, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Timeout: 30 * time.Second, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// FromConfig converts the YAML retry block.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:  c.MaxAttempts,
		Timeout:      time.Duration(c.TimeoutSecs) * time.Second,
		InitialDelay: time.Duration(c.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.MaxDelayMs) * time.Millisecond,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a permanent error, the attempt
// budget is spent, or ctx is done. A cancelled ctx always yields ctx.Err().
func Do(ctx context.Context, p Policy, log zerolog.Logger, op func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		eb.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()
		err := op(actx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, b, func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying")
	})
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}
	return err
}
