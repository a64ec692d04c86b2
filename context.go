package xcall

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xcall (prevents collisions).
type ctxKey string

const (
	loggerCtxKey    ctxKey = "xcall:logger"
	clockCtxKey     ctxKey = "xcall:clock"
	transportCtxKey ctxKey = "xcall:transport"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the router logger handed to inbound handlers.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// WithTransportID records which transport delivered an inbound envelope.
func WithTransportID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, transportCtxKey, id)
}

// TransportIDFromContext returns the id of the transport an inbound
// envelope arrived on.
func TransportIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(transportCtxKey).(string)
	return id, ok && id != ""
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock, transportID string) context.Context {
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	ctx = WithTransportID(ctx, transportID)
	return ctx
}
