package xcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Codec is the Strategy for encoding/decoding envelopes on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("xcall: CBOR encoder initialization failed: " + err.Error())
	}
	// Decode untyped maps as map[string]any so reply payloads look the same
	// as after a JSON round-trip.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("xcall: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec encodes with Core Deterministic Encoding (RFC 8949 §4.2).
type CBORCodec struct{}

func (CBORCodec) Marshal(v any) ([]byte, error)   { return cborEnc.Marshal(v) }
func (CBORCodec) Unmarshal(b []byte, v any) error { return cborDec.Unmarshal(b, v) }
func (CBORCodec) Name() string                    { return "cbor" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
		"cbor": func() Codec { return CBORCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	if name == "" {
		name = "json"
	}
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// CodecNames lists registered codecs, sorted.
func CodecNames() []string {
	codecRegistryMu.RLock()
	defer codecRegistryMu.RUnlock()
	out := make([]string, 0, len(codecRegistry))
	for k := range codecRegistry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EncodeEnvelope serializes env in its wire shape.
func EncodeEnvelope(c Codec, env Envelope) ([]byte, error) {
	if c == nil {
		c = JSONCodec{}
	}
	if env.IsZero() {
		return nil, fmt.Errorf("%w: zero envelope", ErrInvalidEnvelope)
	}
	return c.Marshal(env.Wire())
}

// DecodeEnvelope parses and validates a serialized envelope.
func DecodeEnvelope(c Codec, data []byte) (Envelope, error) {
	if c == nil {
		c = JSONCodec{}
	}
	var w Wire
	if err := c.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s decode: %v", ErrInvalidEnvelope, c.Name(), err)
	}
	return FromWire(w)
}
