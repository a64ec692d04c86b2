package xcall

import "errors"

// ReplyPayload is the success/error discriminator carried by reply envelopes.
type ReplyPayload struct {
	OK    bool   `json:"ok" cbor:"ok"`
	Value any    `json:"value" cbor:"value"`
	Error string `json:"error,omitempty" cbor:"error,omitempty"`
	Code  string `json:"code,omitempty" cbor:"code,omitempty"`
}

// Success wraps a value as a successful reply payload.
func Success(v any) ReplyPayload {
	return ReplyPayload{OK: true, Value: v}
}

// Failure wraps err as a failed reply payload. A *RemoteError keeps its code.
func Failure(err error) ReplyPayload {
	if err == nil {
		err = errors.New("unknown remote failure")
	}
	p := ReplyPayload{OK: false, Error: err.Error()}
	var re *RemoteError
	if errors.As(err, &re) {
		p.Error = re.Message
		p.Code = re.Code
	}
	return p
}

// DecodeReply interprets a reply payload. It accepts the typed struct used
// in-process and the generic map produced by codecs. Anything else is a bare
// success value.
func DecodeReply(correlationID string, payload any) (any, error) {
	switch p := payload.(type) {
	case ReplyPayload:
		return replyOutcome(correlationID, p)
	case *ReplyPayload:
		if p == nil {
			return nil, nil
		}
		return replyOutcome(correlationID, *p)
	case map[string]any:
		ok, found := p["ok"].(bool)
		if !found {
			return p, nil
		}
		rp := ReplyPayload{OK: ok, Value: p["value"]}
		rp.Error, _ = p["error"].(string)
		rp.Code, _ = p["code"].(string)
		return replyOutcome(correlationID, rp)
	default:
		return payload, nil
	}
}

func replyOutcome(correlationID string, p ReplyPayload) (any, error) {
	if p.OK {
		return p.Value, nil
	}
	return nil, &RemoteError{CorrelationID: correlationID, Message: p.Error, Code: p.Code}
}
