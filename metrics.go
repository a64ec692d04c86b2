package xcall

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports router and registry events as Prometheus
// metrics. Attach it with RouterBuilder.WithObserver.
type PrometheusObserver struct {
	sends        *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	routed       *prometheus.CounterVec
	calls        *prometheus.CounterVec
	callDuration prometheus.Histogram
	ignored      *prometheus.CounterVec
	unsolicited  *prometheus.CounterVec
	pending      prometheus.Gauge
}

// NewPrometheusObserver creates the collectors under namespace and registers
// them with reg (prometheus.DefaultRegisterer when nil).
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "xcall"
	}
	o := &PrometheusObserver{
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "sends_total",
				Help:      "Transport sends by outcome.",
			},
			[]string{"transport", "outcome"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "send_duration_seconds",
				Help:      "Transport send duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "routed_total",
				Help:      "Routed envelopes by kind.",
			},
			[]string{"kind"},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "calls_total",
				Help:      "Settled pending calls by outcome.",
			},
			[]string{"outcome"},
		),
		callDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "call_duration_seconds",
				Help:      "Time from pending call creation to settlement.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ignored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "resolutions_ignored_total",
				Help:      "Resolutions for unknown or already settled correlation ids.",
			},
			[]string{"reason"},
		),
		unsolicited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "inbound_unhandled_total",
				Help:      "Inbound envelopes without a handler or whose handler failed.",
			},
			[]string{"kind", "reason"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "pending_calls",
				Help:      "Calls awaiting a reply.",
			},
		),
	}
	for _, c := range []prometheus.Collector{
		o.sends, o.sendDuration, o.routed, o.calls, o.callDuration, o.ignored, o.unsolicited, o.pending,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnEvent(e Event) {
	switch e.Type {
	case RouteStart:
		o.routed.WithLabelValues(string(e.Kind)).Inc()
	case SendDone:
		outcome := "success"
		if e.Err != nil {
			outcome = "failure"
		}
		o.sends.WithLabelValues(e.TransportID, outcome).Inc()
		o.sendDuration.WithLabelValues(e.TransportID).Observe(e.Duration.Seconds())
	case CallCreated:
		o.pending.Inc()
	case CallResolved:
		o.settled("resolved", e)
	case CallRejected:
		outcome := "rejected"
		switch {
		case errors.Is(e.Err, ErrCanceled):
			outcome = "canceled"
		case errors.Is(e.Err, ErrUndeliverable):
			outcome = "undeliverable"
		case errors.Is(e.Err, ErrRemote):
			outcome = "remote_error"
		}
		o.settled(outcome, e)
	case CallExpired:
		o.settled("timeout", e)
	case ResolveIgnored:
		o.ignored.WithLabelValues(e.Reason).Inc()
	case Unhandled:
		o.unsolicited.WithLabelValues(string(e.Kind), "no_handler").Inc()
	case HandlerError:
		o.unsolicited.WithLabelValues(string(e.Kind), "handler_error").Inc()
	}
}

func (o *PrometheusObserver) settled(outcome string, e Event) {
	o.pending.Dec()
	o.calls.WithLabelValues(outcome).Inc()
	o.callDuration.Observe(e.Duration.Seconds())
}
