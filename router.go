package xcall

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// AnyContext subscribes a handler to every target context of a kind.
const AnyContext Context = "*"

// Handler processes one unsolicited inbound envelope (request or event).
type Handler func(ctx context.Context, env Envelope) error

// Subscription represents an active handler registration that can be closed.
type Subscription interface {
	Close() error
}

type handlerKey struct {
	kind   Kind
	target Context
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Router delivers outbound envelopes through the transports selected by its
// route table and demultiplexes inbound envelopes to the correlation
// registry (replies) or to subscribed handlers (everything else).
type Router struct {
	registry *Registry
	table    *RouteTable
	clock    xclock.Clock
	logger   *xlog.Logger
	send     SendFunc

	transportsMu sync.RWMutex
	transports   map[string]Transport

	handlersMu sync.RWMutex
	handlers   map[handlerKey][]subscriber
	nextSubID  uint64

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []observerEntry
	observerSeq  uint64

	baseCtx   context.Context
	metrics   *routerMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

type routerMetrics struct {
	routed         atomic.Uint64
	sends          atomic.Uint64
	sendFailures   atomic.Uint64
	noRoute        atomic.Uint64
	repliesMatched atomic.Uint64
	repliesIgnored atomic.Uint64
	unsolicited    atomic.Uint64
	unhandled      atomic.Uint64
	handlerErrors  atomic.Uint64
	sendNs         atomic.Int64
}

// Registry returns the correlation registry replies are forwarded to.
func (r *Router) Registry() *Registry { return r.registry }

// Clock returns the router clock.
func (r *Router) Clock() xclock.Clock { return r.clock }

// Logger returns the router logger.
func (r *Router) Logger() *xlog.Logger { return r.logger }

// RegisterTransport adds t under id and wires its inbound callback to the
// demultiplexer.
func (r *Router) RegisterTransport(id string, t Transport) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}
	if id == "" || t == nil {
		return ErrInvalidTransport
	}

	r.transportsMu.Lock()
	if _, exists := r.transports[id]; exists {
		r.transportsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTransport, id)
	}
	r.transports[id] = t
	r.transportsMu.Unlock()

	t.SetReceiver(func(ctx context.Context, env Envelope) {
		r.Dispatch(ctx, id, env)
	})
	r.notifyAsync(Event{Type: TransportRegistered, TransportID: id})
	return nil
}

// UnregisterTransport removes id. Pending calls are left to their own
// timeouts; see Caller.RejectTransport.
func (r *Router) UnregisterTransport(id string) bool {
	r.transportsMu.Lock()
	t, ok := r.transports[id]
	delete(r.transports, id)
	r.transportsMu.Unlock()
	if !ok {
		return false
	}
	t.SetReceiver(nil)
	r.notifyAsync(Event{Type: TransportUnregistered, TransportID: id})
	return true
}

// Transport returns the adapter registered as id.
func (r *Router) Transport(id string) (Transport, bool) {
	r.transportsMu.RLock()
	defer r.transportsMu.RUnlock()
	t, ok := r.transports[id]
	return t, ok
}

// Transports lists registered transport ids, sorted.
func (r *Router) Transports() []string {
	r.transportsMu.RLock()
	defer r.transportsMu.RUnlock()
	out := make([]string, 0, len(r.transports))
	for id := range r.transports {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConnectAll connects every registered transport. The router never does this
// on its own; setup code calls it once registration is complete.
func (r *Router) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.Transports() {
		t, ok := r.Transport(id)
		if !ok {
			continue
		}
		if err := t.Connect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("connect %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// DisconnectAll disconnects every registered transport.
func (r *Router) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.Transports() {
		t, ok := r.Transport(id)
		if !ok {
			continue
		}
		if err := t.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// AddRoute inserts a routing rule. The transport it names may be registered later.
func (r *Router) AddRoute(e RouteEntry) error { return r.table.Add(e) }

// RemoveRoute deletes a routing rule.
func (r *Router) RemoveRoute(id string) bool { return r.table.Remove(id) }

// RouteTable returns the rules in evaluation order.
func (r *Router) RouteTable() []RouteEntry { return r.table.Entries() }

// SetRouteEnabled toggles a rule in place.
func (r *Router) SetRouteEnabled(id string, enabled bool) bool {
	return r.table.SetEnabled(id, enabled)
}

// RouteMessage sends env through every transport whose enabled route
// matches, concurrently, and returns one result per matched route in
// evaluation order. A failing transport never suppresses the others. No
// match yields an empty slice.
func (r *Router) RouteMessage(ctx context.Context, env Envelope) []SendResult {
	if env.IsZero() {
		r.logger.Warn().Msg("xcall: refusing to route zero envelope")
		return []SendResult{}
	}
	matches := r.table.Match(env)
	r.metrics.routed.Add(1)

	start := r.clock.Now()
	r.notifyAsync(Event{
		Type:          RouteStart,
		CorrelationID: env.correlationID,
		Kind:          env.kind,
		Target:        env.target,
		Matched:       len(matches),
	})

	results := make([]SendResult, len(matches))
	if len(matches) == 0 {
		r.metrics.noRoute.Add(1)
		r.notifyAsync(Event{Type: RouteDone, CorrelationID: env.correlationID, Kind: env.kind, Target: env.target, Reason: "no_route"})
		return results
	}

	var wg sync.WaitGroup
	for i, m := range matches {
		results[i] = SendResult{TransportID: m.TransportID, RouteID: m.ID}
		wg.Add(1)
		go func(i int, transportID string) {
			defer wg.Done()
			err := r.sendOne(ctx, transportID, env)
			results[i].Success = err == nil
			if err != nil {
				results[i].Err = &TransportSendError{TransportID: transportID, Err: err}
			}
		}(i, m.TransportID)
	}
	wg.Wait()

	r.notifyAsync(Event{
		Type:          RouteDone,
		CorrelationID: env.correlationID,
		Kind:          env.kind,
		Target:        env.target,
		Matched:       len(matches),
		Duration:      r.clock.Since(start),
	})
	return results
}

func (r *Router) sendOne(ctx context.Context, transportID string, env Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic recovered: %v", rec)
		}
	}()

	r.metrics.sends.Add(1)
	start := r.clock.Now()
	if r.closed.Load() {
		err = ErrRouterClosed
	} else {
		err = r.send(ctx, transportID, env)
	}
	duration := r.clock.Since(start)
	r.recordSendTime(duration.Nanoseconds())

	if err != nil {
		r.metrics.sendFailures.Add(1)
	}
	r.notifyAsync(Event{
		Type:          SendDone,
		CorrelationID: env.correlationID,
		TransportID:   transportID,
		Kind:          env.kind,
		Target:        env.target,
		Duration:      duration,
		Err:           err,
	})
	return err
}

// deliver is the innermost SendFunc.
func (r *Router) deliver(ctx context.Context, transportID string, env Envelope) error {
	t, ok := r.Transport(transportID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransportNotRegistered, transportID)
	}
	return t.Send(ctx, env)
}

// Dispatch is the demultiplexer every registered transport feeds. Replies
// with a correlation id settle the matching pending call; everything else
// goes to the handlers subscribed on (kind, target).
func (r *Router) Dispatch(ctx context.Context, transportID string, env Envelope) {
	if r.closed.Load() || env.IsZero() {
		return
	}
	if ctx == nil {
		ctx = r.baseCtx
	}

	switch env.kind {
	case KindReply:
		if env.HasCorrelationID() {
			r.settleReply(transportID, env)
			return
		}
		r.dispatchUnsolicited(ctx, transportID, env)
	case KindRequest, KindEvent:
		r.dispatchUnsolicited(ctx, transportID, env)
	default:
		r.notifyAsync(Event{Type: Error, TransportID: transportID, Kind: env.kind, Err: fmt.Errorf("%w: %q", ErrInvalidKind, env.kind)})
	}
}

func (r *Router) settleReply(transportID string, env Envelope) {
	id := env.correlationID
	value, remoteErr := DecodeReply(id, env.payload)

	var settled bool
	if remoteErr != nil {
		settled = r.registry.Reject(id, remoteErr)
	} else {
		settled = r.registry.Resolve(id, value)
	}

	if settled {
		r.metrics.repliesMatched.Add(1)
		return
	}
	r.metrics.repliesIgnored.Add(1)
	r.logger.Debug().
		Str("correlation_id", id).
		Str("transport", transportID).
		Msg("xcall: reply ignored (unknown or already settled)")
}

func (r *Router) dispatchUnsolicited(ctx context.Context, transportID string, env Envelope) {
	r.metrics.unsolicited.Add(1)

	r.handlersMu.RLock()
	subs := make([]subscriber, 0, 2)
	subs = append(subs, r.handlers[handlerKey{env.kind, env.target}]...)
	if env.target != AnyContext {
		subs = append(subs, r.handlers[handlerKey{env.kind, AnyContext}]...)
	}
	r.handlersMu.RUnlock()

	if len(subs) == 0 {
		r.metrics.unhandled.Add(1)
		r.notifyAsync(Event{
			Type:          Unhandled,
			CorrelationID: env.correlationID,
			TransportID:   transportID,
			Kind:          env.kind,
			Target:        env.target,
			Reason:        "no_handler",
		})
		return
	}

	hctx := InjectAll(ctx, r.logger, r.clock, transportID)
	for _, s := range subs {
		if err := r.invoke(hctx, s.handler, env); err != nil {
			r.metrics.handlerErrors.Add(1)
			r.notifyAsync(Event{
				Type:          HandlerError,
				CorrelationID: env.correlationID,
				TransportID:   transportID,
				Kind:          env.kind,
				Target:        env.target,
				Err:           err,
			})
		}
	}
}

func (r *Router) invoke(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn().Msg("xcall: handler panic (recovered)")
			err = fmt.Errorf("panic recovered: %v", rec)
		}
	}()
	return h(ctx, env)
}

// Subscribe registers h for envelopes of kind addressed to target. Use
// AnyContext to receive every target. Handlers run on the delivering
// transport's goroutine, in subscription order.
func (r *Router) Subscribe(kind Kind, target Context, h Handler) (Subscription, error) {
	if r.closed.Load() {
		return nil, ErrRouterClosed
	}
	if !kind.Valid() || target == "" || h == nil {
		return nil, ErrInvalidSubscription
	}

	key := handlerKey{kind, target}
	r.handlersMu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.handlers[key] = append(r.handlers[key], subscriber{id: id, handler: h})
	r.handlersMu.Unlock()

	var once sync.Once
	return &subscription{close: func() error {
		once.Do(func() { r.unsubscribe(key, id) })
		return nil
	}}, nil
}

func (r *Router) unsubscribe(key handlerKey, id uint64) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	subs := r.handlers[key]
	for i, s := range subs {
		if s.id == id {
			r.handlers[key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.handlers[key]) == 0 {
		delete(r.handlers, key)
	}
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// GetMetrics returns current router metrics.
func (r *Router) GetMetrics() Metrics {
	m := Metrics{
		Routed:         r.metrics.routed.Load(),
		Sends:          r.metrics.sends.Load(),
		SendFailures:   r.metrics.sendFailures.Load(),
		NoRoute:        r.metrics.noRoute.Load(),
		RepliesMatched: r.metrics.repliesMatched.Load(),
		RepliesIgnored: r.metrics.repliesIgnored.Load(),
		Unsolicited:    r.metrics.unsolicited.Load(),
		Unhandled:      r.metrics.unhandled.Load(),
		HandlerErrors:  r.metrics.handlerErrors.Load(),
		PendingCalls:   r.registry.Pending(),
		AvgSendTimeMs:  float64(r.metrics.sendNs.Load()) / 1e6,
	}
	if r.observerPool != nil {
		m.EventsDropped = r.observerPool.Stats().Dropped
	}
	return m
}

// Health reports router health for probes.
func (r *Router) Health(_ context.Context) HealthStatus {
	now := r.clock.Now()
	if r.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "router is closed"}
	}

	metrics := r.GetMetrics()
	transports := r.Transports()
	status := HealthStatus{Status: "healthy", Metrics: metrics, Transports: transports, Timestamp: now}

	if len(transports) == 0 {
		status.Status = "degraded"
		status.Message = "no transports registered"
		return status
	}
	// Degraded if send failure rate > 5%
	if metrics.Sends > 0 {
		rate := float64(metrics.SendFailures) / float64(metrics.Sends)
		if rate > 0.05 {
			status.Status = "degraded"
			status.Message = fmt.Sprintf("send failure rate %.1f%%", rate*100)
		}
	}
	return status
}

// Close detaches every transport and drains the observer pool. Transports
// are not disconnected; their owners do that. Idempotent.
func (r *Router) Close(ctx context.Context) error {
	var closeErr error

	r.closeOnce.Do(func() {
		r.closed.Store(true)

		r.transportsMu.Lock()
		detached := r.transports
		r.transports = make(map[string]Transport)
		r.transportsMu.Unlock()
		for _, t := range detached {
			t.SetReceiver(nil)
		}

		if r.observerPool != nil {
			timeout := 5 * time.Second
			if dl, ok := ctx.Deadline(); ok {
				timeout = time.Until(dl)
			}
			if err := r.observerPool.Close(timeout); err != nil {
				r.logger.Warn().Err(err).Msg("xcall: observer pool shutdown timeout")
				closeErr = err
			}
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe). The returned func removes
// exactly this registration, which is the only way to remove an ObserverFunc.
func (r *Router) AddObserver(obs Observer) (remove func()) {
	if obs == nil {
		return func() {}
	}
	r.observersMu.Lock()
	r.observerSeq++
	id := r.observerSeq
	r.observers = append(r.observers, observerEntry{id: id, obs: obs})
	r.observersMu.Unlock()

	return func() {
		r.observersMu.Lock()
		defer r.observersMu.Unlock()
		for i, e := range r.observers {
			if e.id == id {
				r.observers = append(r.observers[:i], r.observers[i+1:]...)
				return
			}
		}
	}
}

// RemoveObserver removes the first registration equal to obs. Observers of
// uncomparable types (ObserverFunc) never match; use the func returned by
// AddObserver for those.
func (r *Router) RemoveObserver(obs Observer) bool {
	if obs == nil {
		return false
	}
	r.observersMu.Lock()
	defer r.observersMu.Unlock()

	for i, e := range r.observers {
		if sameObserver(e.obs, obs) {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return true
		}
	}
	return false
}

type observerEntry struct {
	id  uint64
	obs Observer
}

func sameObserver(a, b Observer) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// notifyAsync hands e to the observer pool, or calls observers inline when
// the router was built without one.
func (r *Router) notifyAsync(e Event) {
	r.observersMu.RLock()
	if len(r.observers) == 0 {
		r.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(r.observers))
	for i, e := range r.observers {
		observers[i] = e.obs
	}
	r.observersMu.RUnlock()

	if r.observerPool != nil {
		r.observerPool.Notify(e, observers)
		return
	}
	multiObserver(observers).OnEvent(e)
}

// recordSendTime keeps an exponential moving average of send latency.
func (r *Router) recordSendTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := r.metrics.sendNs.Load()
	if current == 0 {
		r.metrics.sendNs.Store(ns)
		return
	}
	r.metrics.sendNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
