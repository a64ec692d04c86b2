package xcall

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// CallState is the resolution state of a pending call.
type CallState int32

const (
	StatePending CallState = iota
	StateResolved
	StateRejected
	StateExpired
)

func (s CallState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// DefaultSettledHistory bounds how many settled ids the registry remembers.
const DefaultSettledHistory = 4096

// PendingCall is the awaitable handle for one outstanding request.
type PendingCall struct {
	id        string
	operation string
	createdAt time.Time
	timeoutAt time.Time
	timeout   time.Duration

	state atomic.Int32
	done  chan struct{}
	timer *time.Timer

	// written once before done is closed
	value any
	err   error

	reg *Registry
}

func (c *PendingCall) ID() string           { return c.id }
func (c *PendingCall) Operation() string    { return c.operation }
func (c *PendingCall) CreatedAt() time.Time { return c.createdAt }
func (c *PendingCall) TimeoutAt() time.Time { return c.timeoutAt }
func (c *PendingCall) State() CallState     { return CallState(c.state.Load()) }

// Done is closed once the call reaches a terminal state.
func (c *PendingCall) Done() <-chan struct{} { return c.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *PendingCall) Result() (any, error) {
	select {
	case <-c.done:
		return c.value, c.err
	default:
		return nil, nil
	}
}

// Wait blocks until the call settles. If ctx ends first the call is rejected
// with a *CancellationError and that outcome is returned.
func (c *PendingCall) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		c.reg.Reject(c.id, &CancellationError{CorrelationID: c.id, Cause: ctx.Err()})
		<-c.done
		return c.value, c.err
	}
}

// settle moves the call from pending into a terminal state. First caller wins.
func (c *PendingCall) settle(state CallState, v any, err error) bool {
	if !c.state.CompareAndSwap(int32(StatePending), int32(state)) {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.value = v
	c.err = err
	close(c.done)
	return true
}

// CallOption customizes a pending call.
type CallOption func(*PendingCall)

// WithOperation labels the call so timeouts can name what was being done.
func WithOperation(name string) CallOption {
	return func(c *PendingCall) { c.operation = name }
}

// Registry maps correlation ids to pending calls. Safe for concurrent use;
// for each id exactly one of resolve, reject or timeout takes effect.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*PendingCall
	settled *lru.Cache[string, struct{}]

	clock    xclock.Clock
	logger   *xlog.Logger
	observer Observer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithRegistryClock(c xclock.Clock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithRegistryLogger(l *xlog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRegistryObserver receives call lifecycle events synchronously.
func WithRegistryObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithSettledHistory sets how many settled ids are remembered (0 disables).
func WithSettledHistory(n int) RegistryOption {
	return func(r *Registry) {
		if n <= 0 {
			r.settled = nil
			return
		}
		c, err := lru.New[string, struct{}](n)
		if err == nil {
			r.settled = c
		}
	}
}

// NewRegistry builds an empty correlation registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		pending: make(map[string]*PendingCall),
		clock:   xclock.Default(),
		logger:  xlog.Default(),
	}
	r.settled, _ = lru.New[string, struct{}](DefaultSettledHistory)
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// GenerateCorrelationID returns a random opaque token (UUIDv4).
func (r *Registry) GenerateCorrelationID() string {
	return uuid.NewString()
}

// CreatePendingCall registers id and arms its timeout.
func (r *Registry) CreatePendingCall(id string, timeout time.Duration, opts ...CallOption) (*PendingCall, error) {
	if id == "" {
		return nil, ErrInvalidCorrelationID
	}
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	now := r.clock.Now()
	c := &PendingCall{
		id:        id,
		createdAt: now,
		timeoutAt: now.Add(timeout),
		timeout:   timeout,
		done:      make(chan struct{}),
		reg:       r,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}

	r.mu.Lock()
	if _, exists := r.pending[id]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateCorrelationID
	}
	if r.settled != nil && r.settled.Contains(id) {
		r.mu.Unlock()
		return nil, ErrDuplicateCorrelationID
	}
	r.pending[id] = c
	// armed under the lock so settle always sees the timer
	c.timer = time.AfterFunc(timeout, func() { r.expire(c) })
	r.mu.Unlock()

	r.emit(Event{Type: CallCreated, CorrelationID: id, Operation: c.operation})
	return c, nil
}

// Resolve completes id with value. Returns false if id is unknown or
// already settled.
func (r *Registry) Resolve(id string, value any) bool {
	c, ok := r.take(id)
	if !ok {
		return false
	}
	if !c.settle(StateResolved, value, nil) {
		return false
	}
	r.emit(Event{Type: CallResolved, CorrelationID: id, Operation: c.operation, Duration: r.clock.Since(c.createdAt)})
	return true
}

// Reject completes id with err, with the same exactly-once rule as Resolve.
func (r *Registry) Reject(id string, err error) bool {
	c, ok := r.take(id)
	if !ok {
		return false
	}
	if !c.settle(StateRejected, nil, err) {
		return false
	}
	r.emit(Event{Type: CallRejected, CorrelationID: id, Operation: c.operation, Duration: r.clock.Since(c.createdAt), Err: err})
	return true
}

// Pending returns the number of unsettled calls.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Lookup returns the pending call for id, if any.
func (r *Registry) Lookup(id string) (*PendingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[id]
	return c, ok
}

// RejectAll rejects every pending call with err and reports how many settled.
func (r *Registry) RejectAll(err error) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.Reject(id, err) {
			n++
		}
	}
	return n
}

// take removes id from the pending map; the caller then owns settlement.
func (r *Registry) take(id string) (*PendingCall, bool) {
	r.mu.Lock()
	c, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		if r.settled != nil {
			r.settled.Add(id, struct{}{})
		}
	}
	r.mu.Unlock()

	if !ok {
		reason := "unknown"
		if r.wasSettled(id) {
			reason = "duplicate"
		}
		r.emit(Event{Type: ResolveIgnored, CorrelationID: id, Reason: reason})
	}
	return c, ok
}

func (r *Registry) wasSettled(id string) bool {
	if r.settled == nil {
		return false
	}
	return r.settled.Contains(id)
}

func (r *Registry) expire(c *PendingCall) {
	r.mu.Lock()
	if cur, ok := r.pending[c.id]; !ok || cur != c {
		r.mu.Unlock()
		return
	}
	delete(r.pending, c.id)
	if r.settled != nil {
		r.settled.Add(c.id, struct{}{})
	}
	r.mu.Unlock()

	elapsed := r.clock.Since(c.createdAt)
	terr := &TimeoutError{CorrelationID: c.id, Operation: c.operation, Timeout: c.timeout, Elapsed: elapsed}
	if c.settle(StateExpired, nil, terr) {
		r.logger.Debug().Str("correlation_id", c.id).Dur("elapsed", elapsed).Msg("xcall: pending call expired")
		r.emit(Event{Type: CallExpired, CorrelationID: c.id, Operation: c.operation, Duration: elapsed, Err: terr})
	}
}

func (r *Registry) emit(e Event) {
	if r.observer == nil {
		return
	}
	r.observer.OnEvent(e)
}
