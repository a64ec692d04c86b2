package memory

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xcall"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Use builds a Router whose transport is one end of a fresh connected pair
// and returns the other end for the peer to use. Unless WithRoute is given,
// a catch-all route sends everything through the pair.
//
// Example:
//
//	router, peer, err := memory.Use(memory.Config{BufferSize: 64},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(cfg Config, opts ...Option) (*xcall.Router, *Transport, error) {
	local, peer, err := NewPair(cfg)
	if err != nil {
		return nil, nil, err
	}

	u := &useConfig{builder: xcall.NewRouterBuilder()}
	for _, o := range opts {
		if o != nil {
			o(u)
		}
	}
	u.builder.WithTransport(TransportName, local)
	if !u.customRoutes {
		u.builder.WithRoute(xcall.RouteEntry{
			ID:          TransportName,
			TransportID: TransportName,
			Enabled:     true,
			Predicate:   xcall.MatchAll(),
		})
	}

	r, err := u.builder.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("memory.Use: %w", err)
	}
	ctx := context.Background()
	if err := local.Connect(ctx); err != nil {
		return nil, nil, err
	}
	if err := peer.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return r, peer, nil
}

type useConfig struct {
	builder      *xcall.RouterBuilder
	customRoutes bool
}

// Option configures the xcall.Router when calling Use.
type Option func(*useConfig)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(u *useConfig) { u.builder.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(u *useConfig) { u.builder.WithClock(c) }
}

// WithMiddleware adds send middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xcall.Middleware) Option {
	return func(u *useConfig) { u.builder.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xcall.Observer) Option {
	return func(u *useConfig) { u.builder.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(u *useConfig) { u.builder.WithObserverPool(workers, bufferSize) }
}

// WithRoute replaces the default catch-all route. Routes must name
// TransportName to use the pair.
func WithRoute(routes ...xcall.RouteEntry) Option {
	return func(u *useConfig) {
		u.customRoutes = true
		u.builder.WithRoute(routes...)
	}
}
