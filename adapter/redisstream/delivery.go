package redisstream

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xcall"
)

// delivery is one inbound stream entry awaiting acknowledgment.
type delivery struct {
	t      *Transport
	client *redis.Client
	id     string
	values map[string]any
}

// ack acknowledges the entry, marking it as processed.
func (d *delivery) ack(ctx context.Context) error {
	err := d.client.XAck(ctx, d.t.cfg.Inbound, d.t.cfg.Group, d.id).Err()
	if err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	// Optionally delete from stream after ack (saves memory)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.client.XDel(ctx, d.t.cfg.Inbound, d.id).Err()
	}
	return nil
}

// deadLetter copies an entry that cannot be decoded to the dead-letter
// stream, if one is configured, then acknowledges the original so it is
// not redelivered forever.
func (d *delivery) deadLetter(ctx context.Context, reason error) error {
	if dl := d.t.cfg.DeadLetter; dl != "" {
		values := make(map[string]any, len(d.values)+3)
		for k, v := range d.values {
			values[k] = v
		}
		values["orig_stream"] = d.t.cfg.Inbound
		values["orig_id"] = d.id
		values["error"] = fmt.Sprintf("%v", reason)

		if err := d.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dl,
			ID:     "*",
			Values: values,
		}).Err(); err != nil {
			return err
		}
		d.t.metrics.deadLettered.Add(1)
	}
	return d.ack(ctx)
}

func encodeEntry(env xcall.Envelope, codec string, data []byte) map[string]any {
	vals := make(map[string]any, 6)
	vals[fieldKind] = string(env.Kind())
	if env.HasCorrelationID() {
		vals[fieldCorrelationID] = env.CorrelationID()
	}
	vals[fieldTarget] = string(env.Target())
	vals[fieldCodec] = codec
	vals[fieldEnvelope] = data
	vals[fieldSentAt] = env.Timestamp().UnixNano()
	return vals
}

// decodeEntry reconstructs an envelope from stream entry values. Entries
// written with another codec are decoded with that codec.
func decodeEntry(vals map[string]any, fallback xcall.Codec) (xcall.Envelope, error) {
	raw, ok := vals[fieldEnvelope]
	if !ok {
		return xcall.Envelope{}, fmt.Errorf("%w: entry has no %s field", xcall.ErrInvalidEnvelope, fieldEnvelope)
	}
	var data []byte
	switch p := raw.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		return xcall.Envelope{}, fmt.Errorf("%w: %s field has type %T", xcall.ErrInvalidEnvelope, fieldEnvelope, raw)
	}

	codec := fallback
	if name := asString(vals[fieldCodec]); name != "" && name != fallback.Name() {
		c, err := xcall.NewCodec(name)
		if err != nil {
			return xcall.Envelope{}, err
		}
		codec = c
	}
	return xcall.DecodeEnvelope(codec, data)
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		// Try integer parsing first (faster)
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		// Fall back to float parsing for scientific notation
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
