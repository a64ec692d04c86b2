package xcall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog collects observer events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestRegistry_ResolveDeliversValue(t *testing.T) {
	reg := NewRegistry()
	pc, err := reg.CreatePendingCall("c1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Pending())

	assert.True(t, reg.Resolve("c1", 42))
	v, err := pc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, StateResolved, pc.State())
	assert.Equal(t, 0, reg.Pending())
}

func TestRegistry_SettlesExactlyOnce(t *testing.T) {
	reg := NewRegistry()
	pc, err := reg.CreatePendingCall("c1", 5*time.Second)
	require.NoError(t, err)

	assert.True(t, reg.Resolve("c1", "first"))
	assert.False(t, reg.Resolve("c1", "second"))
	assert.False(t, reg.Reject("c1", errors.New("late")))

	v, err := pc.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestRegistry_UnknownIDIsIgnored(t *testing.T) {
	log := &eventLog{}
	reg := NewRegistry(WithRegistryObserver(log))

	assert.False(t, reg.Resolve("nope", 1))
	assert.False(t, reg.Reject("nope", errors.New("x")))

	ignored := log.ofType(ResolveIgnored)
	require.Len(t, ignored, 2)
	assert.Equal(t, "unknown", ignored[0].Reason)
}

func TestRegistry_DuplicateReplyReason(t *testing.T) {
	log := &eventLog{}
	reg := NewRegistry(WithRegistryObserver(log))
	_, err := reg.CreatePendingCall("c1", time.Second)
	require.NoError(t, err)

	require.True(t, reg.Resolve("c1", 1))
	require.False(t, reg.Resolve("c1", 2))

	ignored := log.ofType(ResolveIgnored)
	require.Len(t, ignored, 1)
	assert.Equal(t, "duplicate", ignored[0].Reason)
}

func TestRegistry_CreateValidation(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.CreatePendingCall("", time.Second)
	assert.ErrorIs(t, err, ErrInvalidCorrelationID)

	_, err = reg.CreatePendingCall("c1", 0)
	assert.ErrorIs(t, err, ErrInvalidTimeout)
	_, err = reg.CreatePendingCall("c1", -time.Second)
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	_, err = reg.CreatePendingCall("c1", time.Second)
	require.NoError(t, err)
	_, err = reg.CreatePendingCall("c1", time.Second)
	assert.ErrorIs(t, err, ErrDuplicateCorrelationID)
}

func TestRegistry_SettledIDCannotBeReused(t *testing.T) {
	reg := NewRegistry(WithSettledHistory(8))
	_, err := reg.CreatePendingCall("c1", time.Second)
	require.NoError(t, err)
	require.True(t, reg.Resolve("c1", nil))

	_, err = reg.CreatePendingCall("c1", time.Second)
	assert.ErrorIs(t, err, ErrDuplicateCorrelationID)

	// without history the id is free again
	reg = NewRegistry(WithSettledHistory(0))
	_, err = reg.CreatePendingCall("c1", time.Second)
	require.NoError(t, err)
	require.True(t, reg.Resolve("c1", nil))
	_, err = reg.CreatePendingCall("c1", time.Second)
	assert.NoError(t, err)
}

func TestRegistry_TimeoutRejects(t *testing.T) {
	log := &eventLog{}
	reg := NewRegistry(WithRegistryObserver(log))
	pc, err := reg.CreatePendingCall("c1", 30*time.Millisecond, WithOperation("resize"))
	require.NoError(t, err)

	start := time.Now()
	_, err = pc.Wait(context.Background())
	took := time.Since(start)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "c1", te.CorrelationID)
	assert.Equal(t, "resize", te.Operation)
	assert.Equal(t, 30*time.Millisecond, te.Timeout)
	// never early, and not much later than asked
	assert.GreaterOrEqual(t, te.Elapsed, te.Timeout)
	assert.GreaterOrEqual(t, took, 30*time.Millisecond)
	assert.Less(t, took, 230*time.Millisecond)
	assert.Contains(t, te.Error(), "resize")

	assert.Equal(t, StateExpired, pc.State())
	assert.Equal(t, 0, reg.Pending())
	assert.False(t, reg.Resolve("c1", "late"))
	assert.Len(t, log.ofType(CallExpired), 1)
}

func TestRegistry_ResolveBeforeTimeoutStopsTimer(t *testing.T) {
	reg := NewRegistry()
	pc, err := reg.CreatePendingCall("c1", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, reg.Resolve("c1", "ok"))

	time.Sleep(50 * time.Millisecond)
	v, err := pc.Result()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateResolved, pc.State())
}

func TestRegistry_WaitCancellation(t *testing.T) {
	reg := NewRegistry()
	pc, err := reg.CreatePendingCall("c1", 5*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pc.Wait(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateRejected, pc.State())
	assert.False(t, reg.Resolve("c1", 1))
}

func TestRegistry_RejectCarriesError(t *testing.T) {
	reg := NewRegistry()
	pc, err := reg.CreatePendingCall("c1", time.Second)
	require.NoError(t, err)

	boom := errors.New("boom")
	require.True(t, reg.Reject("c1", boom))
	_, err = pc.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_RejectAll(t *testing.T) {
	reg := NewRegistry()
	calls := make([]*PendingCall, 5)
	for i := range calls {
		pc, err := reg.CreatePendingCall(fmt.Sprintf("c%d", i), time.Second)
		require.NoError(t, err)
		calls[i] = pc
	}
	require.True(t, reg.Resolve("c0", "done"))

	n := reg.RejectAll(ErrRouterClosed)
	assert.Equal(t, 4, n)
	assert.Equal(t, 0, reg.Pending())
	for _, pc := range calls[1:] {
		_, err := pc.Result()
		assert.ErrorIs(t, err, ErrRouterClosed)
	}
}

func TestRegistry_ConcurrentCallsDoNotCrossTalk(t *testing.T) {
	reg := NewRegistry()
	const n = 200

	calls := make([]*PendingCall, n)
	for i := 0; i < n; i++ {
		pc, err := reg.CreatePendingCall(reg.GenerateCorrelationID(), 5*time.Second)
		require.NoError(t, err)
		calls[i] = pc
	}

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg.Resolve(calls[i].ID(), i)
		}(i)
	}
	wg.Wait()

	for i, pc := range calls {
		v, err := pc.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestRegistry_RacingSettlersOneWins(t *testing.T) {
	for round := 0; round < 50; round++ {
		reg := NewRegistry()
		pc, err := reg.CreatePendingCall("c", 5*time.Millisecond)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wins := make(chan string, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if reg.Resolve("c", "r") {
				wins <- "resolve"
			}
		}()
		go func() {
			defer wg.Done()
			if reg.Reject("c", errors.New("x")) {
				wins <- "reject"
			}
		}()
		wg.Wait()
		<-pc.Done()
		close(wins)

		count := 0
		for range wins {
			count++
		}
		// the timer may have won instead
		assert.LessOrEqual(t, count, 1)
		assert.NotEqual(t, StatePending, pc.State())
	}
}

func TestRegistry_GenerateCorrelationIDUnique(t *testing.T) {
	reg := NewRegistry()
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := reg.GenerateCorrelationID()
		require.NotEmpty(t, id)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestRegistry_LookupAndEvents(t *testing.T) {
	log := &eventLog{}
	reg := NewRegistry(WithRegistryObserver(log))
	pc, err := reg.CreatePendingCall("c1", time.Second, WithOperation("ping"))
	require.NoError(t, err)

	got, ok := reg.Lookup("c1")
	require.True(t, ok)
	assert.Same(t, pc, got)
	assert.Equal(t, "ping", got.Operation())
	assert.True(t, got.TimeoutAt().After(got.CreatedAt()))

	require.True(t, reg.Resolve("c1", nil))
	_, ok = reg.Lookup("c1")
	assert.False(t, ok)

	assert.Len(t, log.ofType(CallCreated), 1)
	resolved := log.ofType(CallResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "ping", resolved[0].Operation)
}
