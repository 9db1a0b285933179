// Package schema defines the event envelope and shared wire types.
package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// EventType is the short symbolic tag carried by every envelope.
type EventType string

const (
	// EventTypeOp identifies application operation events.
	EventTypeOp EventType = "op"
	// EventTypeCursor identifies cursor position updates.
	EventTypeCursor EventType = "cursor"
	// EventTypePresence identifies presence pings.
	EventTypePresence EventType = "presence"
	// EventTypeMetric identifies metric samples.
	EventTypeMetric EventType = "metric"
	// EventTypeStatus identifies status transitions.
	EventTypeStatus EventType = "status"

	// CustomTypePrefix namespaces application-defined event types.
	CustomTypePrefix = "custom:"
)

// Baseline reports whether the type belongs to the built-in tag set.
func (t EventType) Baseline() bool {
	switch t {
	case EventTypeOp, EventTypeCursor, EventTypePresence, EventTypeMetric, EventTypeStatus:
		return true
	default:
		return false
	}
}

// Custom reports whether the type lives in the custom namespace.
func (t EventType) Custom() bool {
	return strings.HasPrefix(string(t), CustomTypePrefix)
}

// Coalescable reports whether queued entries of this type may be replaced by
// a newer entry from the same sender. Only state-overwrite types qualify:
// an old cursor position or presence ping carries no value once a newer one
// exists.
func (t EventType) Coalescable() bool {
	return t == EventTypeCursor || t == EventTypePresence
}

// Envelope is the published event with its routing headers. It is the unit
// the gateway carries end-to-end; Data stays serialized until the consumer
// asks for it.
type Envelope struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenantId"`
	TopicID  string          `json:"topicId"`
	SenderID string          `json:"senderId"`
	Type     EventType       `json:"type"`
	Data     json.RawMessage `json:"data"`
	Seq      int64           `json:"seq"`
	TS       time.Time       `json:"ts"`
	Priority *int            `json:"priority,omitempty"`
}

// Encode serializes the envelope for the wire and the durable stream.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a serialized envelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Clone returns a deep copy safe to hand to another consumer.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Data != nil {
		clone.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Priority != nil {
		p := *e.Priority
		clone.Priority = &p
	}
	return &clone
}
