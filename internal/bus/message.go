// Package bus implements the in-process/NATS-backed publish-subscribe
// control plane: timestamped messages, a topic-pattern router, and the
// per-component listener actor that dispatches by topic suffix.
package bus

import (
	"encoding/json"
)

// TimestampedMessage is an immutable payload paired with a monotonic
// millisecond wall-clock timestamp, per spec.md section 3. A zero
// TimestampMs is the minimum possible time.
type TimestampedMessage struct {
	Payload     []byte
	TimestampMs uint64
}

type wireMessage struct {
	Message   json.RawMessage `json:"message"`
	Timestamp uint64          `json:"timestamp"`
}

// NewMessage pairs payload with timestampMs. The payload is stored as given;
// MarshalJSON decides whether it is embedded raw or quoted on the wire.
func NewMessage(payload []byte, timestampMs uint64) TimestampedMessage {
	return TimestampedMessage{Payload: payload, TimestampMs: timestampMs}
}

// IsAfter reports whether m was timestamped strictly later than other.
func (m TimestampedMessage) IsAfter(other TimestampedMessage) bool {
	return m.TimestampMs > other.TimestampMs
}

// MarshalJSON produces the stable `{"message": <payload>, "timestamp": ms}`
// wire shape from spec.md section 3. If Payload is valid JSON it is embedded
// raw; otherwise it is encoded as a JSON string.
func (m TimestampedMessage) MarshalJSON() ([]byte, error) {
	raw := m.Payload
	if !json.Valid(raw) {
		encoded, err := json.Marshal(string(raw))
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(wireMessage{Message: raw, Timestamp: m.TimestampMs})
}

// UnmarshalJSON parses the `{"message": ..., "timestamp": ms}` wire shape.
// If the message field is a JSON string, Payload holds its decoded bytes;
// otherwise Payload holds the raw JSON value.
func (m *TimestampedMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var s string
	if err := json.Unmarshal(w.Message, &s); err == nil {
		m.Payload = []byte(s)
	} else {
		m.Payload = []byte(w.Message)
	}
	m.TimestampMs = w.Timestamp
	return nil
}
