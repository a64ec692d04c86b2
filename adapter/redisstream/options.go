package redisstream

import (
	"github.com/trickstertwo/xcall"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type useConfig struct {
	builder      *xcall.RouterBuilder
	logger       *xlog.Logger
	customRoutes bool
}

// Option configures the xcall.Router construction when calling Use.
type Option func(*useConfig)

// WithLogger injects a custom xlog logger into the router and transport.
func WithLogger(l *xlog.Logger) Option {
	return func(u *useConfig) {
		u.logger = l
		u.builder.WithLogger(l)
	}
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(u *useConfig) { u.builder.WithClock(c) }
}

// WithMiddleware adds send middlewares.
func WithMiddleware(mw ...xcall.Middleware) Option {
	return func(u *useConfig) { u.builder.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xcall.Observer) Option {
	return func(u *useConfig) { u.builder.WithObserver(obs...) }
}

// WithRoute replaces the default catch-all route.
func WithRoute(routes ...xcall.RouteEntry) Option {
	return func(u *useConfig) {
		u.customRoutes = true
		u.builder.WithRoute(routes...)
	}
}
