package llm

import (
	"context"
	"sync/atomic"

	"cortex/internal/errors"
	"cortex/internal/logging"
)

// retryClient adds a circuit breaker and transient-error retries around an
// inner client. A request is only retried while no delta has been delivered
// to the caller: once streaming output has been observed downstream,
// replaying the request would duplicate it.
type retryClient struct {
	inner   Client
	breaker *errors.CircuitBreaker
	config  errors.RetryConfig
	logger  logging.Logger
}

// WrapWithRetry wraps a client with the default retry policy and a named
// circuit breaker.
func WrapWithRetry(inner Client) Client {
	return &retryClient{
		inner:   inner,
		breaker: errors.NewCircuitBreaker("llm-"+inner.Model(), errors.DefaultCircuitBreakerConfig()),
		config:  errors.DefaultRetryConfig(),
		logger:  logging.NewComponentLogger("llm.retry"),
	}
}

func (c *retryClient) Model() string { return c.inner.Model() }

func (c *retryClient) StreamCompletion(ctx context.Context, req Request, cb StreamCallbacks) (*Completion, error) {
	var delivered atomic.Bool

	wrapped := StreamCallbacks{}
	if cb.OnDelta != nil {
		wrapped.OnDelta = func(delta string) error {
			delivered.Store(true)
			return cb.OnDelta(delta)
		}
	} else {
		wrapped.OnDelta = func(string) error {
			delivered.Store(true)
			return nil
		}
	}

	return errors.RetryWithResult(ctx, c.config, func(ctx context.Context) (*Completion, error) {
		result, err := errors.ExecuteFunc(c.breaker, ctx, func(ctx context.Context) (*Completion, error) {
			return c.inner.StreamCompletion(ctx, req, wrapped)
		})
		if err != nil && delivered.Load() {
			// Deltas already reached the caller; make the failure
			// non-retryable regardless of its underlying class.
			return nil, errors.NewPermanentError(err, "stream failed after partial output")
		}
		return result, err
	}, c.logger)
}
