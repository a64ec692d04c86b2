package xcall

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// SendFunc delivers env through the transport registered as transportID.
type SendFunc func(ctx context.Context, transportID string, env Envelope) error

// Middleware composes concerns around a SendFunc.
type Middleware func(next SendFunc) SendFunc

// RetryConfig controls retry behavior for sends.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first send.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff to avoid thundering herds.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a send.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, transportID string, env Envelope) error {
			var lastErr error
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}
			for i := 1; i <= attempts; i++ {
				lastErr = next(ctx, transportID, env)
				if lastErr == nil {
					return nil
				}
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}

// TimeoutMiddleware bounds a single send. When exceeded the send reports
// context.DeadlineExceeded; the transport may still complete in background.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next SendFunc) SendFunc { return next }
	}
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, transportID string, env Envelope) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("panic recovered: %v", r)
					}
				}()
				errCh <- next(tctx, transportID, env)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware turns a panicking transport into a send failure.
func RecoveryMiddleware() Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, transportID string, env Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, transportID, env)
		}
	}
}

// MetadataMiddleware stamps key=value on every outbound envelope that does
// not already carry key.
func MetadataMiddleware(key, value string) Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, transportID string, env Envelope) error {
			if _, ok := env.metadata[key]; !ok {
				env = env.WithMetadata(key, value)
			}
			return next(ctx, transportID, env)
		}
	}
}

// Chain composes middlewares around a send in order.
func Chain(s SendFunc, mws ...Middleware) SendFunc {
	if len(mws) == 0 {
		return s
	}
	wrapped := s
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
