package eventbus

import (
	"context"
	"encoding/json"
	"time"
)

// Message is a broker message as seen by local handlers. Pattern is set when
// the message matched a pattern subscription.
type Message struct {
	Channel    string
	Pattern    string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

type Handler func(ctx context.Context, msg *Message) error

type HandlerID uint64

// payload passes JSON through untouched and wraps anything else as a JSON
// string so handlers always receive valid JSON.
func payload(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	data, _ := json.Marshal(raw)
	return data
}

func encode(data any) (any, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return []byte(v), nil
	case []byte:
		return v, nil
	case string:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
