package xcall

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flakySend(failures int32, err error) (SendFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context, string, Envelope) error {
		if calls.Add(1) <= failures {
			return err
		}
		return nil
	}, &calls
}

func TestRetryMiddleware_RetriesUntilSuccess(t *testing.T) {
	send, calls := flakySend(2, errors.New("transient"))
	var waits []int
	mw := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		Backoff: func(attempt int) time.Duration {
			waits = append(waits, attempt)
			return time.Millisecond
		},
	})

	err := mw(send)(context.Background(), "t", Envelope{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []int{1, 2}, waits)
}

func TestRetryMiddleware_GivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("down")
	send, calls := flakySend(100, boom)
	err := RetryMiddleware(RetryConfig{MaxAttempts: 3})(send)(context.Background(), "t", Envelope{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryMiddleware_RetryIf(t *testing.T) {
	send, calls := flakySend(100, ErrNotConnected)
	mw := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, ErrNotConnected) },
	})
	assert.ErrorIs(t, mw(send)(context.Background(), "t", Envelope{}), ErrNotConnected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryMiddleware_StopsOnCanceledContext(t *testing.T) {
	send, calls := flakySend(100, errors.New("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = RetryMiddleware(RetryConfig{MaxAttempts: 5})(send)(ctx, "t", Envelope{})
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, _ string, _ Envelope) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	start := time.Now()
	err := TimeoutMiddleware(20*time.Millisecond)(slow)(context.Background(), "t", Envelope{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	fast := func(context.Context, string, Envelope) error { return nil }
	assert.NoError(t, TimeoutMiddleware(time.Second)(fast)(context.Background(), "t", Envelope{}))
	// zero disables the bound
	assert.NoError(t, TimeoutMiddleware(0)(fast)(context.Background(), "t", Envelope{}))
}

func TestRecoveryMiddleware(t *testing.T) {
	panicky := func(context.Context, string, Envelope) error { panic("boom") }
	err := RecoveryMiddleware()(panicky)(context.Background(), "t", Envelope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestMetadataMiddleware(t *testing.T) {
	var seen Envelope
	capture := func(_ context.Context, _ string, env Envelope) error {
		seen = env
		return nil
	}
	env, err := NewEvent(ContextController, ContextRemoteRuntime, nil, Metadata{"keep": "1"}, time.Now())
	require.NoError(t, err)

	require.NoError(t, MetadataMiddleware("node", "ctl-1")(capture)(context.Background(), "t", env))
	assert.Equal(t, "ctl-1", seen.MetaValue("node"))
	assert.Equal(t, "1", seen.MetaValue("keep"))
	// the caller's envelope is untouched
	assert.Equal(t, "", env.MetaValue("node"))

	tagged := env.WithMetadata("node", "preset")
	require.NoError(t, MetadataMiddleware("node", "ctl-1")(capture)(context.Background(), "t", tagged))
	assert.Equal(t, "preset", seen.MetaValue("node"))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next SendFunc) SendFunc {
			return func(ctx context.Context, id string, env Envelope) error {
				order = append(order, name)
				return next(ctx, id, env)
			}
		}
	}
	base := func(context.Context, string, Envelope) error {
		order = append(order, "send")
		return nil
	}
	require.NoError(t, Chain(base, mark("a"), nil, mark("b"))(context.Background(), "t", Envelope{}))
	assert.Equal(t, []string{"a", "b", "send"}, order)
}
