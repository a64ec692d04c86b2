package xcall

import (
	"fmt"
	"strconv"
	"time"
)

// Kind is the closed set of envelope variants.
type Kind string

const (
	KindRequest Kind = "request"
	KindReply   Kind = "reply"
	KindEvent   Kind = "event"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindReply, KindEvent:
		return true
	}
	return false
}

// ParseKind converts a wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

// Context is the logical role of an envelope's origin or destination.
// It only feeds routing decisions.
type Context string

const (
	ContextController    Context = "controller"
	ContextRemoteRuntime Context = "remote-runtime"
	ContextExternalPeer  Context = "external-peer"
)

// Metadata is the open key/value bag consulted by route predicates.
type Metadata map[string]string

// Clone returns an independent copy (nil stays nil).
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Get returns the value for key and whether it was present.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Envelope is the immutable, wire-agnostic unit exchanged between endpoints.
// Construct with NewRequest, NewReply, NewEvent or FromWire.
type Envelope struct {
	kind          Kind
	correlationID string
	source        Context
	target        Context
	payload       any
	metadata      Metadata
	timestamp     time.Time
}

func (e Envelope) Kind() Kind                { return e.kind }
func (e Envelope) CorrelationID() string     { return e.correlationID }
func (e Envelope) Source() Context           { return e.source }
func (e Envelope) Target() Context           { return e.target }
func (e Envelope) Payload() any              { return e.payload }
func (e Envelope) Timestamp() time.Time      { return e.timestamp }
func (e Envelope) Metadata() Metadata        { return e.metadata.Clone() }
func (e Envelope) IsZero() bool              { return e.kind == "" }
func (e Envelope) HasCorrelationID() bool    { return e.correlationID != "" }
func (e Envelope) MetaValue(k string) string { return e.metadata[k] }

// WithMetadata returns a copy of e with key set to value.
func (e Envelope) WithMetadata(key, value string) Envelope {
	md := e.metadata.Clone()
	if md == nil {
		md = make(Metadata, 1)
	}
	md[key] = value
	e.metadata = md
	return e
}

// NewRequest builds a request envelope. The correlation id is mandatory.
func NewRequest(correlationID string, source, target Context, payload any, md Metadata, at time.Time) (Envelope, error) {
	if correlationID == "" {
		return Envelope{}, fmt.Errorf("%w: request requires a correlation id", ErrInvalidEnvelope)
	}
	return newEnvelope(KindRequest, correlationID, source, target, payload, md, at)
}

// NewReply builds the reply to req, carrying the same correlation id with
// source and target swapped.
func NewReply(req Envelope, payload any, md Metadata, at time.Time) (Envelope, error) {
	if req.kind != KindRequest || req.correlationID == "" {
		return Envelope{}, fmt.Errorf("%w: reply must answer a request with a correlation id", ErrInvalidEnvelope)
	}
	return newEnvelope(KindReply, req.correlationID, req.target, req.source, payload, md, at)
}

// NewEvent builds a fire-and-forget envelope without a correlation id.
func NewEvent(source, target Context, payload any, md Metadata, at time.Time) (Envelope, error) {
	return newEnvelope(KindEvent, "", source, target, payload, md, at)
}

func newEnvelope(kind Kind, id string, source, target Context, payload any, md Metadata, at time.Time) (Envelope, error) {
	if target == "" {
		return Envelope{}, fmt.Errorf("%w: target context required", ErrInvalidEnvelope)
	}
	return Envelope{
		kind:          kind,
		correlationID: id,
		source:        source,
		target:        target,
		payload:       payload,
		metadata:      md.Clone(),
		timestamp:     at,
	}, nil
}

// Wire is the serialized shape of an Envelope. Field names are part of the
// protocol; any codec must round-trip every field.
//
// Metadata is an arbitrary object on the wire. FromWire keeps string values
// and renders numbers and booleans as strings; nested values are rejected.
type Wire struct {
	Kind          string         `json:"kind" cbor:"kind"`
	CorrelationID string         `json:"correlationId,omitempty" cbor:"correlationId,omitempty"`
	SourceContext string         `json:"sourceContext" cbor:"sourceContext"`
	TargetContext string         `json:"targetContext" cbor:"targetContext"`
	Payload       any            `json:"payload" cbor:"payload"`
	Metadata      map[string]any `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	Timestamp     string         `json:"timestamp" cbor:"timestamp"`
}

// Wire converts e into its serialized shape.
func (e Envelope) Wire() Wire {
	return Wire{
		Kind:          string(e.kind),
		CorrelationID: e.correlationID,
		SourceContext: string(e.source),
		TargetContext: string(e.target),
		Payload:       e.payload,
		Metadata:      wireMetadata(e.metadata),
		Timestamp:     e.timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// FromWire validates w and converts it into an Envelope.
func FromWire(w Wire) (Envelope, error) {
	kind, err := ParseKind(w.Kind)
	if err != nil {
		return Envelope{}, err
	}
	switch kind {
	case KindRequest, KindReply:
		if w.CorrelationID == "" {
			return Envelope{}, fmt.Errorf("%w: %s without correlation id", ErrInvalidEnvelope, kind)
		}
	case KindEvent:
		if w.CorrelationID != "" {
			return Envelope{}, fmt.Errorf("%w: event carries correlation id", ErrInvalidEnvelope)
		}
	}
	var ts time.Time
	if w.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidEnvelope, err)
		}
	}
	md, err := metadataFromWire(w.Metadata)
	if err != nil {
		return Envelope{}, err
	}
	return newEnvelope(kind, w.CorrelationID, Context(w.SourceContext), Context(w.TargetContext), w.Payload, md, ts)
}

func wireMetadata(md Metadata) map[string]any {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func metadataFromWire(m map[string]any) (Metadata, error) {
	if len(m) == 0 {
		return nil, nil
	}
	md := make(Metadata, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case string:
			md[k] = x
		case bool:
			md[k] = strconv.FormatBool(x)
		case float64:
			md[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case float32:
			md[k] = strconv.FormatFloat(float64(x), 'f', -1, 32)
		case int64:
			md[k] = strconv.FormatInt(x, 10)
		case uint64:
			md[k] = strconv.FormatUint(x, 10)
		case int:
			md[k] = strconv.Itoa(x)
		case nil:
			md[k] = ""
		default:
			return nil, fmt.Errorf("%w: metadata %q has non-scalar value %T", ErrInvalidEnvelope, k, v)
		}
	}
	return md, nil
}
