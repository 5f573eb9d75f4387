package ws

import (
	"encoding/json"
	"time"
)

// Message is the framed unit carried on the device bus. Topic follows the
// labelberry/pi/<id>/<channel> scheme from common/protocol; Type narrows the
// payload shape within a channel.
type Message struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Marshal stamps the message and returns its JSON encoding.
func (m *Message) Marshal() ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return json.Marshal(m)
}

// UnmarshalFrom parses a raw frame into m.
func (m *Message) UnmarshalFrom(b []byte) error {
	return json.Unmarshal(b, m)
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}

// NewMessage builds a Message with an encoded payload. Encoding errors are
// returned rather than deferred to write time so callers fail fast.
func NewMessage(topic, msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Topic: topic, Type: msgType, Data: data, Timestamp: time.Now().UTC()}, nil
}

// Message types carried on the bus.
const (
	TypeCommand   = "command"   // server→device command envelope
	TypeLifecycle = "lifecycle" // device→server job lifecycle event
	TypeStatus    = "status"    // device→server heartbeat / retained last-will
	TypeHello     = "hello"     // device→server connect announce with capabilities
	TypeError     = "error"     // either direction, transport-level problem
)
