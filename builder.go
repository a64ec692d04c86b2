package xcall

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type namedTransport struct {
	id string
	t  Transport
}

// RouterBuilder constructs Router instances (Builder pattern).
type RouterBuilder struct {
	registry     *Registry
	settledLimit int

	transports  []namedTransport
	routes      []RouteEntry
	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	baseCtx     context.Context

	poolWorkers int
	poolBuffer  int

	config *Config
}

// NewRouterBuilder returns a new builder with sensible defaults.
func NewRouterBuilder() *RouterBuilder {
	return &RouterBuilder{
		settledLimit: DefaultSettledHistory,
	}
}

// WithRegistry shares an existing correlation registry instead of creating one.
func (rb *RouterBuilder) WithRegistry(r *Registry) *RouterBuilder {
	rb.registry = r
	return rb
}

// WithSettledHistory sizes the settled-id memory of a builder-created registry.
func (rb *RouterBuilder) WithSettledHistory(n int) *RouterBuilder {
	rb.settledLimit = n
	return rb
}

// WithTransport registers t under id once the router is built.
func (rb *RouterBuilder) WithTransport(id string, t Transport) *RouterBuilder {
	rb.transports = append(rb.transports, namedTransport{id: id, t: t})
	return rb
}

func (rb *RouterBuilder) WithRoute(routes ...RouteEntry) *RouterBuilder {
	rb.routes = append(rb.routes, routes...)
	return rb
}

func (rb *RouterBuilder) WithMiddleware(mw ...Middleware) *RouterBuilder {
	if len(mw) == 0 {
		return rb
	}
	rb.middlewares = append(rb.middlewares, mw...)
	return rb
}

func (rb *RouterBuilder) WithObserver(obs ...Observer) *RouterBuilder {
	for _, o := range obs {
		if o != nil {
			rb.observers = append(rb.observers, o)
		}
	}
	return rb
}

// WithObserverPool dispatches observer events asynchronously.
func (rb *RouterBuilder) WithObserverPool(workers, bufferSize int) *RouterBuilder {
	rb.poolWorkers = workers
	rb.poolBuffer = bufferSize
	return rb
}

func (rb *RouterBuilder) WithLogger(l *xlog.Logger) *RouterBuilder {
	rb.logger = l
	return rb
}

func (rb *RouterBuilder) WithClock(c xclock.Clock) *RouterBuilder {
	rb.clock = c
	return rb
}

// WithBaseContext sets the context handed to handlers when a transport
// delivers without one. It also bounds the observer pool's lifetime.
func (rb *RouterBuilder) WithBaseContext(ctx context.Context) *RouterBuilder {
	rb.baseCtx = ctx
	return rb
}

// WithConfig applies a parsed Config at Build time: declared transports are
// created through their factories, routes are added and the retry, timeout,
// pool and history settings are honored.
func (rb *RouterBuilder) WithConfig(cfg Config) *RouterBuilder {
	rb.config = &cfg
	return rb
}

func (rb *RouterBuilder) Build() (*Router, error) {
	transports := append([]namedTransport(nil), rb.transports...)
	routes := append([]RouteEntry(nil), rb.routes...)
	middlewares := rb.middlewares
	if cfg := rb.config; cfg != nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		declared, err := cfg.buildTransports()
		if err != nil {
			return nil, err
		}
		transports = append(transports, declared...)
		for _, rc := range cfg.Routes {
			routes = append(routes, rc.RouteEntry())
		}
		middlewares = append(cfg.Middlewares(), middlewares...)
		if cfg.SettledHistory > 0 {
			rb.settledLimit = cfg.SettledHistory
		}
		if cfg.ObserverPool.Workers > 0 && rb.poolWorkers == 0 {
			rb.poolWorkers = cfg.ObserverPool.Workers
			rb.poolBuffer = cfg.ObserverPool.Buffer
		}
	}

	clk := rb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := rb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	base := rb.baseCtx
	if base == nil {
		base = context.Background()
	}

	r := &Router{
		table:      NewRouteTable(),
		clock:      clk,
		logger:     lg,
		transports: make(map[string]Transport),
		handlers:   make(map[handlerKey][]subscriber),
		baseCtx:    base,
		metrics:    &routerMetrics{},
	}
	r.send = Chain(RecoveryMiddleware()(r.deliver), middlewares...)

	if rb.registry != nil {
		r.registry = rb.registry
	} else {
		r.registry = NewRegistry(
			WithRegistryClock(clk),
			WithRegistryLogger(lg),
			WithSettledHistory(rb.settledLimit),
			WithRegistryObserver(ObserverFunc(r.notifyAsync)),
		)
	}

	if rb.poolWorkers > 0 || rb.poolBuffer > 0 {
		r.observerPool = NewObserverPool(base, rb.poolWorkers, rb.poolBuffer)
	}

	// Attach logging observer first unless one was supplied explicitly.
	hasLoggingObserver := false
	for _, o := range rb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		r.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range rb.observers {
		r.AddObserver(o)
	}

	for _, nt := range transports {
		if err := r.RegisterTransport(nt.id, nt.t); err != nil {
			_ = r.Close(context.Background())
			return nil, fmt.Errorf("register transport %q: %w", nt.id, err)
		}
	}
	for _, e := range routes {
		if err := r.AddRoute(e); err != nil {
			_ = r.Close(context.Background())
			return nil, err
		}
	}
	if len(routes) > 0 && len(transports) == 0 {
		_ = r.Close(context.Background())
		return nil, fmt.Errorf("%w: %d routes but no transports", ErrNoTransportConfigured, len(routes))
	}
	return r, nil
}

// New constructs a Router via Builder and returns a close func for convenience.
// There is no process-wide default router; pass the instance to whatever needs it.
func New(init func(b *RouterBuilder)) (*Router, func() error, error) {
	b := NewRouterBuilder()
	if init != nil {
		init(b)
	}
	r, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return r.Close(context.Background()) }
	return r, closeFn, nil
}
