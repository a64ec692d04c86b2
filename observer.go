package xcall

import (
	"github.com/trickstertwo/xlog"
)

// Observer receives router and registry lifecycle events. Implementations
// should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("correlation_id", e.CorrelationID),
		xlog.Str("transport", e.TransportID),
		xlog.Str("kind", string(e.Kind)),
		xlog.Str("target", string(e.Target)),
	)
	if e.Duration > 0 {
		ev = ev.With(xlog.Dur("duration", e.Duration))
	}
	switch e.Type {
	case Error, HandlerError, CallExpired:
		ev.Warn().Err(e.Err).Msg("xcall event")
	case SendDone, CallRejected:
		if e.Err != nil {
			ev.Warn().Err(e.Err).Msg("xcall event")
			return
		}
		ev.Debug().Msg("xcall event")
	case ResolveIgnored, Unhandled:
		ev.Debug().Str("reason", e.Reason).Msg("xcall event")
	default:
		ev.Debug().Msg("xcall event")
	}
}

// multiObserver fans out to a fixed list synchronously.
type multiObserver []Observer

func (m multiObserver) OnEvent(e Event) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(e)
		}
	}
}
