// Package backoff holds the retry policy shared by every component that talks
// to an adapter, the signer, the store or a notification sink.
package backoff

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/oaeerr"
)

type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
	// Attempts counts the first try; zero retries until the budget runs out.
	Attempts       uint
	AttemptTimeout time.Duration
	Budget         time.Duration
	// RetryIf defaults to oaeerr.Retryable.
	RetryIf func(error) bool
}

func Default() Policy {
	return Policy{
		Base:           time.Second,
		Cap:            60 * time.Second,
		Jitter:         time.Second,
		AttemptTimeout: 10 * time.Second,
		Budget:         60 * time.Second,
	}
}

func FromConfig(cfg config.WorkersConfig) Policy {
	p := Default()
	if cfg.AttemptTimeout > 0 {
		p.AttemptTimeout = cfg.AttemptTimeout
	}
	if cfg.OperationBudget > 0 {
		p.Budget = cfg.OperationBudget
	}
	return p
}

func (p Policy) WithAttempts(n uint) Policy {
	p.Attempts = n
	return p
}

func (p Policy) options(ctx context.Context, onRetry func(n uint, err error)) []retry.Option {
	retryIf := p.RetryIf
	if retryIf == nil {
		retryIf = oaeerr.Retryable
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.Delay(p.Base),
		retry.MaxDelay(p.Cap),
		retry.MaxJitter(p.Jitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryIf),
	}
	if onRetry != nil {
		opts = append(opts, retry.OnRetry(onRetry))
	}
	return opts
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts its
// attempts or the operation budget expires. Each call gets its own attempt timeout.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func(n uint, err error)) error {
	if p.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Budget)
		defer cancel()
	}
	return retry.Do(func() error {
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		return fn(attemptCtx)
	}, p.options(ctx, onRetry)...)
}
