package schema_test

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/driftwire/driftwire/internal/schema"
)

func TestEnvelopeWireFields(t *testing.T) {
	priority := 3
	env := &schema.Envelope{
		ID:       "e1",
		TenantID: "t1",
		TopicID:  "doc:1",
		SenderID: "u1",
		Type:     schema.EventTypeCursor,
		Data:     json.RawMessage(`{"x":10,"y":20}`),
		Seq:      42,
		TS:       time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC),
		Priority: &priority,
	}

	raw, err := env.Encode()
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	for _, field := range []string{"id", "tenantId", "topicId", "senderId", "type", "data", "seq", "ts", "priority"} {
		require.Contains(t, wire, field)
	}

	decoded, err := schema.DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, env.ID, decoded.ID)
	require.Equal(t, env.Seq, decoded.Seq)
	require.JSONEq(t, `{"x":10,"y":20}`, string(decoded.Data), "data round-trips as JSON")
	require.Equal(t, 3, *decoded.Priority)
}

func TestPriorityOmittedWhenAbsent(t *testing.T) {
	env := &schema.Envelope{ID: "e1", Type: schema.EventTypeOp, Data: json.RawMessage(`{}`)}
	raw, err := env.Encode()
	require.NoError(t, err)
	require.NotContains(t, string(raw), "priority")
}

func TestCloneIsIndependent(t *testing.T) {
	env := &schema.Envelope{ID: "e1", Data: json.RawMessage(`{"n":1}`)}
	clone := env.Clone()
	clone.Data[0] = 'X'
	require.Equal(t, byte('{'), env.Data[0])
}

func TestPubFrameCarriesOrigin(t *testing.T) {
	env := &schema.Envelope{ID: "e1", TenantID: "t1", TopicID: "doc:1",
		Type: schema.EventTypeOp, Data: json.RawMessage(`{}`), Seq: 7}

	raw, err := schema.EncodePubFrame(env, "replica-9")
	require.NoError(t, err)

	frame, err := schema.DecodePubFrame(raw)
	require.NoError(t, err)
	require.Equal(t, "replica-9", frame.Origin)
	require.Equal(t, int64(7), frame.Envelope.Seq)

	// a plain envelope decoder ignores the origin field
	plain, err := schema.DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, "e1", plain.ID)
}

func TestCoalescableTypes(t *testing.T) {
	require.True(t, schema.EventTypeCursor.Coalescable())
	require.True(t, schema.EventTypePresence.Coalescable())
	require.False(t, schema.EventTypeOp.Coalescable())
	require.False(t, schema.EventTypeMetric.Coalescable())
	require.False(t, schema.EventType("custom:cursor").Coalescable())
}

func TestValidTopicID(t *testing.T) {
	require.True(t, schema.ValidTopicID("doc:123"))
	require.True(t, schema.ValidTopicID("a.b-c_d:e"))
	require.False(t, schema.ValidTopicID(""))
	require.False(t, schema.ValidTopicID("has space"))
	require.False(t, schema.ValidTopicID("emoji🙂"))
}

func TestValidEventType(t *testing.T) {
	require.True(t, schema.ValidEventType("op"))
	require.True(t, schema.ValidEventType("custom:anything-goes_1"))
	require.False(t, schema.ValidEventType("custom:"))
	require.False(t, schema.ValidEventType("freeform"))
	require.False(t, schema.ValidEventType("custom:bad space"))
}
