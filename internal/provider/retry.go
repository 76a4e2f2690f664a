// internal/provider/retry.go
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "billing-service/internal/pkg/errors"

	"github.com/cenkalti/backoff/v4"
)

// CallPolicy bounds every outbound provider call.
type CallPolicy struct {
	Timeout  time.Duration
	Attempts int
	// InitialInterval is the first backoff delay between idempotent retries.
	InitialInterval time.Duration
}

func DefaultCallPolicy() CallPolicy {
	return CallPolicy{Timeout: 10 * time.Second, Attempts: 3, InitialInterval: 200 * time.Millisecond}
}

// Idempotent runs fn with a per-attempt timeout and retries it with exponential
// backoff. Only use it for reads and other calls safe to repeat.
func (p CallPolicy) Idempotent(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, xerrors.ErrNotConfigured) || errors.Is(err, xerrors.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	return err
}

// Once runs a non-idempotent mutation exactly one time under the timeout.
// Callers pass a provider idempotency key so a manual retry stays safe.
func (p CallPolicy) Once(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.attempt(ctx, fn)
}

func (p CallPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultCallPolicy().Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The SDKs take no context, so the call runs detached and is abandoned on timeout.
	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", xerrors.ErrProviderTimeout, err)
		}
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", xerrors.ErrProviderTimeout, timeout)
		}
		return callCtx.Err()
	}
}
