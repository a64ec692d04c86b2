package xcall

import (
	"time"
)

// EventType enumerates router and registry lifecycle events for observers.
type EventType string

const (
	RouteStart            EventType = "route_start"
	RouteDone             EventType = "route_done"
	SendDone              EventType = "send_done"
	CallCreated           EventType = "call_created"
	CallResolved          EventType = "call_resolved"
	CallRejected          EventType = "call_rejected"
	CallExpired           EventType = "call_expired"
	ResolveIgnored        EventType = "resolve_ignored"
	Unhandled             EventType = "unhandled"
	HandlerError          EventType = "handler_error"
	TransportRegistered   EventType = "transport_registered"
	TransportUnregistered EventType = "transport_unregistered"
	Error                 EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type          EventType
	CorrelationID string
	TransportID   string
	Kind          Kind
	Target        Context
	Operation     string
	Reason        string
	Matched       int
	Duration      time.Duration
	Err           error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	Panics       uint64 // Observer panics recovered
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics is the router's observable telemetry.
type Metrics struct {
	Routed         uint64
	Sends          uint64
	SendFailures   uint64
	NoRoute        uint64
	RepliesMatched uint64
	RepliesIgnored uint64
	Unsolicited    uint64
	Unhandled      uint64
	HandlerErrors  uint64
	PendingCalls   int
	EventsDropped  uint64
	AvgSendTimeMs  float64
}

// HealthStatus indicates router health for probes.
type HealthStatus struct {
	Status     string // "healthy", "degraded", "unhealthy"
	Metrics    Metrics
	Transports []string
	Timestamp  time.Time
	Message    string
}
