package xcall

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Receiver is invoked by a transport for every inbound envelope.
type Receiver func(ctx context.Context, env Envelope)

// Transport is the Strategy interface for a concrete delivery channel.
// The router holds non-owning references; setup code connects adapters and
// disconnects them after unregistering.
type Transport interface {
	// Connect establishes the channel. Calling it on a connected transport is a no-op.
	Connect(ctx context.Context) error
	// Disconnect releases the channel.
	Disconnect(ctx context.Context) error
	// Send delivers one envelope and reports the outcome.
	Send(ctx context.Context, env Envelope) error
	// SetReceiver installs the inbound callback; nil detaches it.
	SetReceiver(fn Receiver)
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransportFactory registers a backend adapter under kind.
func RegisterTransportFactory(kind string, factory TransportFactory) error {
	if kind == "" {
		return errors.New("transport kind must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[kind] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by kind with config.
func NewTransport(kind string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[kind]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: kind}
	}
	return f(cfg)
}

// TransportKinds lists the registered factory names, sorted.
func TransportKinds() []string {
	transportRegistryMu.RLock()
	defer transportRegistryMu.RUnlock()
	out := make([]string, 0, len(transportRegistry))
	for k := range transportRegistry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SendResult is the per-transport outcome of RouteMessage.
type SendResult struct {
	TransportID string
	RouteID     string
	Success     bool
	Err         error
}
