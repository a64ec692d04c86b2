package redisstream

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xcall"
)

// Adapter: Redis Streams Transport (Strategy + Adapter patterns)

const TransportName = "redis-streams"

func init() {
	if err := xcall.RegisterTransportFactory(TransportName, func(cfg map[string]any) (xcall.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xcall: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Router with a connected Redis Streams transport registered
// as TransportName. Unless WithRoute is given, a catch-all route sends
// everything through it.
func Use(ctx context.Context, cfg Config, opts ...Option) (*xcall.Router, *Transport, error) {
	u := &useConfig{builder: xcall.NewRouterBuilder()}
	for _, o := range opts {
		if o != nil {
			o(u)
		}
	}

	t, err := xcall.NewTransport(TransportName, cfg.toMap())
	if err != nil {
		return nil, nil, fmt.Errorf("redisstream.Use: %w", err)
	}
	rt := t.(*Transport)
	if u.logger != nil {
		rt.logger = u.logger
	}
	if err := rt.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("redisstream.Use: %w", err)
	}

	u.builder.WithTransport(TransportName, rt)
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
		_ = rt.Disconnect(ctx)
		return nil, nil, fmt.Errorf("redisstream.Use: %w", err)
	}
	return r, rt, nil
}
