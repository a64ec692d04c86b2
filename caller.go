package xcall

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultCallTimeout applies when neither the caller nor the request sets one.
const DefaultCallTimeout = 30 * time.Second

// Caller layers request/reply policy over a Router and its Registry: it
// mints correlation ids, registers pending calls, routes the request and
// fails fast when nothing could carry it.
type Caller struct {
	router  *Router
	source  Context
	timeout time.Duration

	mu sync.Mutex
	// correlation id -> transports that accepted the request
	inflight map[string][]string
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithSource sets the source context stamped on outbound envelopes.
func WithSource(src Context) CallerOption {
	return func(c *Caller) {
		if src != "" {
			c.source = src
		}
	}
}

// WithDefaultTimeout sets the timeout used when a request does not carry one.
func WithDefaultTimeout(d time.Duration) CallerOption {
	return func(c *Caller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCaller binds a caller to r. The source context defaults to controller.
func NewCaller(r *Router, opts ...CallerOption) *Caller {
	c := &Caller{
		router:   r,
		source:   ContextController,
		timeout:  DefaultCallTimeout,
		inflight: make(map[string][]string),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// RequestOption customizes a single outbound envelope.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout   time.Duration
	operation string
	metadata  Metadata
}

// WithTimeout overrides the call timeout for one request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// WithCallOperation labels the pending call; timeouts report the label.
func WithCallOperation(name string) RequestOption {
	return func(o *requestOptions) { o.operation = name }
}

// WithMeta adds one metadata pair consulted by route predicates.
func WithMeta(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.metadata == nil {
			o.metadata = make(Metadata, 1)
		}
		o.metadata[key] = value
	}
}

func (c *Caller) requestOptions(opts []RequestOption) requestOptions {
	ro := requestOptions{timeout: c.timeout}
	for _, o := range opts {
		if o != nil {
			o(&ro)
		}
	}
	return ro
}

// Router returns the router the caller sends through.
func (c *Caller) Router() *Router { return c.router }

// Call sends a request to target and blocks until it resolves, is rejected,
// times out or ctx ends.
func (c *Caller) Call(ctx context.Context, target Context, payload any, opts ...RequestOption) (any, error) {
	pc, _, err := c.Go(ctx, target, payload, opts...)
	if err != nil {
		return nil, err
	}
	return pc.Wait(ctx)
}

// Go sends a request without waiting. The returned call is already rejected
// with *UndeliverableError when no route matched or every send failed.
func (c *Caller) Go(ctx context.Context, target Context, payload any, opts ...RequestOption) (*PendingCall, []SendResult, error) {
	ro := c.requestOptions(opts)
	reg := c.router.Registry()

	id := reg.GenerateCorrelationID()
	env, err := NewRequest(id, c.source, target, payload, ro.metadata, c.router.Clock().Now())
	if err != nil {
		return nil, nil, err
	}
	pc, err := reg.CreatePendingCall(id, ro.timeout, WithOperation(ro.operation))
	if err != nil {
		return nil, nil, err
	}

	// sends must not outlive the call itself
	sctx, cancel := context.WithTimeout(ctx, ro.timeout)
	results := c.router.RouteMessage(sctx, env)
	expired := ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded)
	cancel()

	delivered := make([]string, 0, len(results))
	for _, res := range results {
		if res.Success {
			delivered = append(delivered, res.TransportID)
		}
	}
	if len(delivered) == 0 {
		if expired && len(results) > 0 {
			// the registry timer reports this one as a timeout
			return pc, results, nil
		}
		reg.Reject(id, &UndeliverableError{CorrelationID: id, Results: results})
		return pc, results, nil
	}

	c.mu.Lock()
	c.inflight[id] = delivered
	c.mu.Unlock()
	go func() {
		<-pc.Done()
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}()
	return pc, results, nil
}

// Notify routes a fire-and-forget event to target.
func (c *Caller) Notify(ctx context.Context, target Context, payload any, opts ...RequestOption) ([]SendResult, error) {
	ro := c.requestOptions(opts)
	env, err := NewEvent(c.source, target, payload, ro.metadata, c.router.Clock().Now())
	if err != nil {
		return nil, err
	}
	return c.router.RouteMessage(ctx, env), nil
}

// Reply answers req with value, or with a failure when err is non-nil.
func (c *Caller) Reply(ctx context.Context, req Envelope, value any, err error, opts ...RequestOption) ([]SendResult, error) {
	payload := Success(value)
	if err != nil {
		payload = Failure(err)
	}
	ro := c.requestOptions(opts)
	env, rerr := NewReply(req, payload, ro.metadata, c.router.Clock().Now())
	if rerr != nil {
		return nil, rerr
	}
	return c.router.RouteMessage(ctx, env), nil
}

// ServeFunc computes the answer to one request.
type ServeFunc func(ctx context.Context, req Envelope) (any, error)

// Serve subscribes fn to requests addressed to target and sends its result
// back as a reply. A reply that no transport accepted surfaces as a
// handler error.
func (c *Caller) Serve(target Context, fn ServeFunc) (Subscription, error) {
	if fn == nil {
		return nil, ErrInvalidSubscription
	}
	return c.router.Subscribe(KindRequest, target, func(ctx context.Context, req Envelope) error {
		value, ferr := fn(ctx, req)
		results, err := c.Reply(ctx, req, value, ferr)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Success {
				return nil
			}
		}
		return &UndeliverableError{CorrelationID: req.CorrelationID(), Results: results}
	})
}

// RejectTransport drops transportID from every in-flight call and rejects
// the calls left with no transport that accepted them. It returns how many
// calls were rejected. Call it when a transport disconnects.
func (c *Caller) RejectTransport(transportID string, err error) int {
	if err == nil {
		err = &TransportSendError{TransportID: transportID, Err: ErrNotConnected}
	}

	var orphaned []string
	c.mu.Lock()
	for id, via := range c.inflight {
		kept := via[:0]
		for _, t := range via {
			if t != transportID {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			orphaned = append(orphaned, id)
			delete(c.inflight, id)
			continue
		}
		c.inflight[id] = kept
	}
	c.mu.Unlock()

	n := 0
	reg := c.router.Registry()
	for _, id := range orphaned {
		if reg.Reject(id, err) {
			n++
		}
	}
	return n
}

// InFlight reports how many calls the caller is tracking.
func (c *Caller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
