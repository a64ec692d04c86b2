package xcall_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xcall"
	"github.com/trickstertwo/xcall/adapter/memory"
	"github.com/trickstertwo/xcall/xcalltest"
)

// linkedRouters returns a controller and a runtime router joined by an
// in-memory link that round-trips envelopes through codec.
func linkedRouters(t *testing.T, codec string) (*xcall.Router, *xcall.Router) {
	t.Helper()
	a, b, err := memory.NewPair(memory.Config{Codec: codec})
	require.NoError(t, err)

	ctl, err := xcall.NewRouterBuilder().
		WithTransport("rt", a).
		WithRoute(route("to-rt", "rt", 0, xcall.MatchTarget(xcall.ContextRemoteRuntime))).
		Build()
	require.NoError(t, err)
	rt, err := xcall.NewRouterBuilder().
		WithTransport("ctl", b).
		WithRoute(route("to-ctl", "ctl", 0, xcall.MatchTarget(xcall.ContextController))).
		Build()
	require.NoError(t, err)

	require.NoError(t, ctl.ConnectAll(context.Background()))
	require.NoError(t, rt.ConnectAll(context.Background()))
	t.Cleanup(func() {
		_ = ctl.DisconnectAll(context.Background())
		_ = rt.DisconnectAll(context.Background())
		_ = ctl.Close(context.Background())
		_ = rt.Close(context.Background())
	})
	return ctl, rt
}

func TestCall_EndToEnd(t *testing.T) {
	for _, codec := range []string{"", "json", "cbor"} {
		t.Run("codec="+codec, func(t *testing.T) {
			ctl, rt := linkedRouters(t, codec)

			responder := xcall.NewCaller(rt, xcall.WithSource(xcall.ContextRemoteRuntime))
			_, err := responder.Serve(xcall.ContextRemoteRuntime, func(_ context.Context, req xcall.Envelope) (any, error) {
				assert.Equal(t, xcall.ContextController, req.Source())
				assert.Equal(t, "answer", req.MetaValue("op"))
				return 42, nil
			})
			require.NoError(t, err)

			caller := xcall.NewCaller(ctl, xcall.WithDefaultTimeout(2*time.Second))
			v, err := caller.Call(context.Background(), xcall.ContextRemoteRuntime, map[string]any{"q": "?"}, xcall.WithMeta("op", "answer"))
			require.NoError(t, err)
			assert.EqualValues(t, 42, v)
			assert.Equal(t, 0, ctl.Registry().Pending())
			assert.Eventually(t, func() bool { return caller.InFlight() == 0 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestCall_RemoteFailure(t *testing.T) {
	ctl, rt := linkedRouters(t, "json")

	responder := xcall.NewCaller(rt, xcall.WithSource(xcall.ContextRemoteRuntime))
	_, err := responder.Serve(xcall.ContextRemoteRuntime, func(context.Context, xcall.Envelope) (any, error) {
		return nil, &xcall.RemoteError{Message: "division by zero", Code: "EDIV"}
	})
	require.NoError(t, err)

	caller := xcall.NewCaller(ctl, xcall.WithDefaultTimeout(2*time.Second))
	_, err = caller.Call(context.Background(), xcall.ContextRemoteRuntime, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, xcall.ErrRemote)
	var re *xcall.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "division by zero", re.Message)
	assert.Equal(t, "EDIV", re.Code)
}

func TestCall_ConcurrentCallsMatchTheirReplies(t *testing.T) {
	ctl, rt := linkedRouters(t, "cbor")

	responder := xcall.NewCaller(rt, xcall.WithSource(xcall.ContextRemoteRuntime))
	_, err := responder.Serve(xcall.ContextRemoteRuntime, func(_ context.Context, req xcall.Envelope) (any, error) {
		return req.Payload(), nil
	})
	require.NoError(t, err)

	caller := xcall.NewCaller(ctl, xcall.WithDefaultTimeout(5*time.Second))
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := caller.Call(context.Background(), xcall.ContextRemoteRuntime, fmt.Sprintf("n-%d", i))
			if err != nil {
				errs <- err
				return
			}
			if v != fmt.Sprintf("n-%d", i) {
				errs <- fmt.Errorf("call %d got %v", i, v)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCall_Undeliverable(t *testing.T) {
	stub := xcalltest.NewStubTransport()
	stub.FailWith(errors.New("refused"))
	r, err := xcall.NewRouterBuilder().
		WithTransport("s", stub).
		WithRoute(route("only", "s", 0, xcall.MatchTarget(xcall.ContextRemoteRuntime))).
		Build()
	require.NoError(t, err)
	defer r.Close(context.Background())

	caller := xcall.NewCaller(r)

	start := time.Now()
	_, err = caller.Call(context.Background(), xcall.ContextRemoteRuntime, "x")
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, xcall.ErrUndeliverable)
	var ue *xcall.UndeliverableError
	require.ErrorAs(t, err, &ue)
	require.Len(t, ue.Results, 1)
	assert.Equal(t, "s", ue.Results[0].TransportID)

	// no route at all
	_, err = caller.Call(context.Background(), xcall.ContextExternalPeer, "x")
	assert.ErrorIs(t, err, xcall.ErrUndeliverable)
	assert.Equal(t, 0, r.Registry().Pending())
}

func TestCall_Timeout(t *testing.T) {
	stub := xcalltest.NewStubTransport()
	r, err := xcall.NewRouterBuilder().
		WithTransport("s", stub).
		WithRoute(route("all", "s", 0, xcall.MatchAll())).
		Build()
	require.NoError(t, err)
	defer r.Close(context.Background())

	caller := xcall.NewCaller(r)
	start := time.Now()
	_, err = caller.Call(context.Background(), xcall.ContextRemoteRuntime, "x",
		xcall.WithTimeout(30*time.Millisecond),
		xcall.WithCallOperation("resize"),
	)
	took := time.Since(start)
	assert.ErrorIs(t, err, xcall.ErrTimeout)
	var te *xcall.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "resize", te.Operation)
	assert.GreaterOrEqual(t, te.Elapsed, te.Timeout)
	assert.GreaterOrEqual(t, took, 30*time.Millisecond)
	assert.Less(t, took, 230*time.Millisecond)
}

func TestCall_TimeoutBoundsBlockedSend(t *testing.T) {
	stub := xcalltest.NewStubTransport()
	stub.SetDelay(time.Second)
	r, err := xcall.NewRouterBuilder().
		WithTransport("s", stub).
		WithRoute(route("all", "s", 0, xcall.MatchAll())).
		Build()
	require.NoError(t, err)
	defer r.Close(context.Background())

	start := time.Now()
	_, err = xcall.NewCaller(r).Call(context.Background(), xcall.ContextRemoteRuntime, "x",
		xcall.WithTimeout(50*time.Millisecond),
	)
	took := time.Since(start)
	assert.ErrorIs(t, err, xcall.ErrTimeout)
	assert.NotErrorIs(t, err, xcall.ErrUndeliverable)
	assert.Less(t, took, 500*time.Millisecond)
	assert.Empty(t, stub.Sent())
	assert.Equal(t, 0, r.Registry().Pending())
}

func TestCall_ContextCancel(t *testing.T) {
	stub := xcalltest.NewStubTransport()
	r, err := xcall.NewRouterBuilder().
		WithTransport("s", stub).
		WithRoute(route("all", "s", 0, xcall.MatchAll())).
		Build()
	require.NoError(t, err)
	defer r.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = xcall.NewCaller(r).Call(ctx, xcall.ContextRemoteRuntime, "x")
	assert.ErrorIs(t, err, xcall.ErrCanceled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, r.Registry().Pending())
}

func TestCall_InvalidTimeout(t *testing.T) {
	stub := xcalltest.NewStubTransport()
	r, err := xcall.NewRouterBuilder().
		WithTransport("s", stub).
		WithRoute(route("all", "s", 0, xcall.MatchAll())).
		Build()
	require.NoError(t, err)
	defer r.Close(context.Background())

	_, err = xcall.NewCaller(r).Call(context.Background(), xcall.ContextRemoteRuntime, "x", xcall.WithTimeout(-time.Second))
	assert.ErrorIs(t, err, xcall.ErrInvalidTimeout)
	assert.Empty(t, stub.Sent())
}

func TestRejectTransport(t *testing.T) {
	s1, s2 := xcalltest.NewStubTransport(), xcalltest.NewStubTransport()
	r, err := xcall.NewRouterBuilder().
		WithTransport("s1", s1).
		WithTransport("s2", s2).
		WithRoute(
			route("r1", "s1", 0, xcall.MatchTarget(xcall.ContextRemoteRuntime)),
			route("r2", "s2", 1, xcall.MatchTarget(xcall.ContextRemoteRuntime, xcall.ContextExternalPeer)),
		).
		Build()
	require.NoError(t, err)
	defer r.Close(context.Background())

	caller := xcall.NewCaller(r, xcall.WithDefaultTimeout(5*time.Second))
	both, _, err := caller.Go(context.Background(), xcall.ContextRemoteRuntime, "both")
	require.NoError(t, err)
	onlyS2, _, err := caller.Go(context.Background(), xcall.ContextExternalPeer, "s2")
	require.NoError(t, err)
	assert.Equal(t, 2, caller.InFlight())

	// s1 going away leaves both calls with a live path
	assert.Equal(t, 0, caller.RejectTransport("s1", nil))
	assert.Equal(t, xcall.StatePending, both.State())

	assert.Equal(t, 2, caller.RejectTransport("s2", nil))
	_, err = both.Wait(context.Background())
	assert.ErrorIs(t, err, xcall.ErrNotConnected)
	assert.ErrorIs(t, err, xcall.ErrTransportSend)
	_, err = onlyS2.Wait(context.Background())
	assert.ErrorIs(t, err, xcall.ErrTransportSend)
	assert.Eventually(t, func() bool { return caller.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNotify(t *testing.T) {
	ctl, rt := linkedRouters(t, "json")

	got := make(chan xcall.Envelope, 1)
	_, err := ctl.Subscribe(xcall.KindEvent, xcall.ContextController, func(_ context.Context, env xcall.Envelope) error {
		got <- env
		return nil
	})
	require.NoError(t, err)

	notifier := xcall.NewCaller(rt, xcall.WithSource(xcall.ContextRemoteRuntime))
	results, err := notifier.Notify(context.Background(), xcall.ContextController, "ready", xcall.WithMeta("phase", "boot"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	select {
	case env := <-got:
		assert.Equal(t, xcall.KindEvent, env.Kind())
		assert.False(t, env.HasCorrelationID())
		assert.Equal(t, "ready", env.Payload())
		assert.Equal(t, "boot", env.MetaValue("phase"))
		assert.Equal(t, xcall.ContextRemoteRuntime, env.Source())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestServe_UnroutableReplyIsHandlerError(t *testing.T) {
	rec := &recorder{}
	stub := xcalltest.NewStubTransport()
	r, err := xcall.NewRouterBuilder().
		WithTransport("s", stub).
		WithObserver(rec).
		Build()
	require.NoError(t, err)
	defer r.Close(context.Background())

	_, err = xcall.NewCaller(r).Serve(xcall.ContextController, func(context.Context, xcall.Envelope) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	req, err := xcall.NewRequest("c1", xcall.ContextRemoteRuntime, xcall.ContextController, nil, nil, time.Now())
	require.NoError(t, err)
	stub.Emit(context.Background(), req)

	assert.Equal(t, uint64(1), r.GetMetrics().HandlerErrors)
	assert.Equal(t, 1, rec.count(xcall.HandlerError))
}

func TestReply_Shape(t *testing.T) {
	stub := xcalltest.NewStubTransport()
	r, err := xcall.NewRouterBuilder().
		WithTransport("s", stub).
		WithRoute(route("all", "s", 0, xcall.MatchAll())).
		Build()
	require.NoError(t, err)
	defer r.Close(context.Background())

	req, err := xcall.NewRequest("c7", xcall.ContextController, xcall.ContextRemoteRuntime, nil, nil, time.Now())
	require.NoError(t, err)

	c := xcall.NewCaller(r, xcall.WithSource(xcall.ContextRemoteRuntime))
	_, err = c.Reply(context.Background(), req, "v", nil)
	require.NoError(t, err)

	reply, ok := stub.LastSent()
	require.True(t, ok)
	assert.Equal(t, xcall.KindReply, reply.Kind())
	assert.Equal(t, "c7", reply.CorrelationID())
	assert.Equal(t, xcall.ContextController, reply.Target())
	assert.Equal(t, xcall.ContextRemoteRuntime, reply.Source())
	assert.Equal(t, xcall.Success("v"), reply.Payload())

	event, err := xcall.NewEvent(xcall.ContextController, xcall.ContextRemoteRuntime, nil, nil, time.Now())
	require.NoError(t, err)
	_, err = c.Reply(context.Background(), event, "v", nil)
	assert.ErrorIs(t, err, xcall.ErrInvalidEnvelope)
}
