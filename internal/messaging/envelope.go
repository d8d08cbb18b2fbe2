// Package messaging defines the envelope exchanged between agents and its
// wire encoding.
package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	apperrors "insight/internal/errors"
)

// Broadcast is the recipient that addresses every subscriber.
const Broadcast = "*"

// Envelope is a single routed message. It is immutable once built; use the
// accessors to read it.
type Envelope struct {
	sender    string
	recipient string
	payload   map[string]any
	ts        float64
}

type wireEnvelope struct {
	Sender    string         `json:"sender" msgpack:"sender"`
	Recipient string         `json:"recipient" msgpack:"recipient"`
	Payload   map[string]any `json:"payload" msgpack:"payload"`
	Timestamp float64        `json:"ts" msgpack:"ts"`
}

// NewEnvelope stamps a new envelope with the current wall clock.
func NewEnvelope(sender, recipient string, payload map[string]any) (Envelope, error) {
	return buildEnvelope(sender, recipient, payload, unixSeconds(time.Now()))
}

// Restore rebuilds an envelope with a known timestamp, as read back from
// storage or the wire.
func Restore(sender, recipient string, payload map[string]any, ts float64) (Envelope, error) {
	return buildEnvelope(sender, recipient, payload, ts)
}

func buildEnvelope(sender, recipient string, payload map[string]any, ts float64) (Envelope, error) {
	issues := map[string]string{}
	if strings.TrimSpace(sender) == "" {
		issues["sender"] = "must not be empty"
	}
	if strings.TrimSpace(recipient) == "" {
		issues["recipient"] = "must not be empty"
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		issues["payload"] = err.Error()
	}
	if len(issues) > 0 {
		return Envelope{}, apperrors.NewValidationError(issues)
	}
	return Envelope{sender: sender, recipient: recipient, payload: normalized, ts: ts}, nil
}

// normalizePayload round-trips the payload through JSON so the in-memory
// value is exactly what storage and the wire will hand back.
func normalizePayload(payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("not JSON-compatible: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("not JSON-compatible: %w", err)
	}
	return out, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (e Envelope) Sender() string     { return e.sender }
func (e Envelope) Recipient() string  { return e.recipient }
func (e Envelope) Timestamp() float64 { return e.ts }

// Time converts the float timestamp back into a time.Time.
func (e Envelope) Time() time.Time {
	sec := int64(e.ts)
	return time.Unix(sec, int64((e.ts-float64(sec))*1e9))
}

// IsBroadcast reports whether the envelope addresses every subscriber.
func (e Envelope) IsBroadcast() bool { return e.recipient == Broadcast }

// Payload returns a deep copy of the payload.
func (e Envelope) Payload() map[string]any {
	return copyMap(e.payload)
}

// Get returns a single payload value. Nested maps and slices are copies.
func (e Envelope) Get(key string) (any, bool) {
	v, ok := e.payload[key]
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

// CanonicalJSON is the deterministic encoding used for digests.
func (e Envelope) CanonicalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e.wire()); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// PayloadJSON encodes only the payload.
func (e Envelope) PayloadJSON() ([]byte, error) {
	return json.Marshal(e.payload)
}

func (e Envelope) wire() wireEnvelope {
	return wireEnvelope{Sender: e.sender, Recipient: e.recipient, Payload: e.payload, Timestamp: e.ts}
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.wire())
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	env, err := Restore(w.Sender, w.Recipient, w.Payload, w.Timestamp)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// Marshal encodes an envelope for the bus wire.
func Marshal(env Envelope) ([]byte, error) {
	return msgpack.Marshal(env.wire())
}

// Unmarshal decodes a bus frame. The payload is normalized the same way
// NewEnvelope does it.
func Unmarshal(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return Restore(w.Sender, w.Recipient, w.Payload, w.Timestamp)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return copyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
