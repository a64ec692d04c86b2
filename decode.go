package xcall

import "fmt"

// Decode converts an envelope payload into T. Payloads that crossed a codec
// arrive as generic maps and slices; they are re-encoded with c and decoded
// into T. A payload that already is a T is returned as is.
func Decode[T any](c Codec, payload any) (T, error) {
	var v T
	if t, ok := payload.(T); ok {
		return t, nil
	}
	if payload == nil {
		return v, nil
	}
	if c == nil {
		c = JSONCodec{}
	}
	data, err := c.Marshal(payload)
	if err != nil {
		return v, fmt.Errorf("xcall: decode %T: %w", payload, err)
	}
	if err := c.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("xcall: decode into %T: %w", v, err)
	}
	return v, nil
}
