// Package topic owns per-topic state in the shared store: sequence
// allocation, the durable bounded stream, the subscriber registry, and the
// per-subscriber bounded delivery queues.
package topic

import (
	"context"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/driftwire/driftwire/errs"
	"github.com/driftwire/driftwire/internal/schema"
	"github.com/driftwire/driftwire/internal/store"
)

const (
	topicTTL      = 24 * time.Hour
	subscriberTTL = time.Hour

	// coalesceThresholdNum/Den: coalescing kicks in at >= 75% queue depth.
	coalesceThresholdNum = 3
	coalesceThresholdDen = 4

	defaultBacklogMax = 1000
)

// Stream field names. These are the durable wire format; replicas and
// offline consumers both parse them.
const (
	fieldID     = "id"
	fieldType   = "type"
	fieldData   = "data"
	fieldSeq    = "seq"
	fieldTS     = "ts"
	fieldUserID = "userId"
)

// Config sizes the durable tail and the per-subscriber queues.
type Config struct {
	StreamCap           int64
	QueueCap            int64
	SlowClientThreshold time.Duration
}

// Manager coordinates topic state. It is safe for concurrent use; every
// multi-write invariant it relies on (sequence increment, rate scripts) is a
// single store command.
type Manager struct {
	store  *store.Adapter
	keys   schema.Keys
	origin string
	cfg    Config

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	coalescedCounter metric.Int64Counter
}

// NewManager constructs a topic manager. origin identifies this replica on
// the publish channel so the distributor can suppress same-replica bus
// duplicates.
func NewManager(st *store.Adapter, keys schema.Keys, origin string, cfg Config) *Manager {
	if cfg.StreamCap <= 0 {
		cfg.StreamCap = 1000
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 100
	}
	if cfg.SlowClientThreshold <= 0 {
		cfg.SlowClientThreshold = 5 * time.Second
	}

	m := &Manager{
		store:  st,
		keys:   keys,
		origin: origin,
		cfg:    cfg,
	}

	meter := otel.Meter("topic")
	m.publishedCounter, _ = meter.Int64Counter("gateway.events.published",
		metric.WithDescription("Number of events appended to topic streams"),
		metric.WithUnit("{event}"))
	m.droppedCounter, _ = meter.Int64Counter("gateway.events.dropped",
		metric.WithDescription("Number of queued events dropped by cap trimming"),
		metric.WithUnit("{event}"))
	m.coalescedCounter, _ = meter.Int64Counter("gateway.events.coalesced",
		metric.WithDescription("Number of queued events replaced by newer state"),
		metric.WithUnit("{event}"))

	return m
}

// Append assigns the next sequence number, appends the envelope to the
// durable stream, announces it on the publish channel, and trims the tail.
// Steps are not one transaction; the invariant is that every stream entry
// carries its authoritative seq, so consumers that miss the announcement
// recover by ranging the stream.
func (m *Manager) Append(ctx context.Context, env *schema.Envelope) error {
	tenant, topic := env.TenantID, env.TopicID

	seq, err := m.store.Incr(ctx, m.keys.Seq(tenant, topic))
	if err != nil {
		return err
	}
	env.Seq = seq

	streamKey := m.keys.Stream(tenant, topic)
	fields := map[string]any{
		fieldID:     env.ID,
		fieldType:   string(env.Type),
		fieldData:   string(env.Data),
		fieldSeq:    seq,
		fieldTS:     env.TS.UTC().Format(time.RFC3339Nano),
		fieldUserID: env.SenderID,
	}
	if _, err := m.store.StreamAppend(ctx, streamKey, fields); err != nil {
		return err
	}

	metaKey := m.keys.TopicMeta(tenant, topic)
	meta := map[string]any{
		"lastEventId": seq,
		"updatedAtMs": time.Now().UnixMilli(),
	}
	if seq == 1 {
		meta["createdAtMs"] = time.Now().UnixMilli()
	}
	if err := m.store.HashSet(ctx, metaKey, meta); err != nil {
		return err
	}
	_ = m.store.Expire(ctx, metaKey, topicTTL)

	payload, err := schema.EncodePubFrame(env, m.origin)
	if err != nil {
		return errs.New("topic/append", errs.CodeInternal, errs.WithCause(err))
	}
	if err := m.store.Publish(ctx, m.keys.Pub(tenant, topic), payload); err != nil {
		return err
	}

	if err := m.store.StreamTrimApprox(ctx, streamKey, m.cfg.StreamCap); err != nil {
		return err
	}

	if m.publishedCounter != nil {
		m.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("type", string(env.Type))))
	}
	return nil
}

// AddSubscriber registers a subscriber on the topic.
func (m *Manager) AddSubscriber(ctx context.Context, tenant, topic, subID, userID string) error {
	metaKey := m.keys.SubscriberMeta(tenant, subID)
	if err := m.store.HashSet(ctx, metaKey, map[string]any{
		"userId":   userID,
		"topicId":  topic,
		"lastSeen": time.Now().UnixMilli(),
		"isActive": "1",
	}); err != nil {
		return err
	}
	_ = m.store.Expire(ctx, metaKey, subscriberTTL)

	setKey := m.keys.TopicSubscribers(tenant, topic)
	if err := m.store.SetAdd(ctx, setKey, subID); err != nil {
		return err
	}
	_ = m.store.Expire(ctx, setKey, topicTTL)
	return nil
}

// RemoveSubscriber deregisters a subscriber and deletes its queue and
// metadata.
func (m *Manager) RemoveSubscriber(ctx context.Context, tenant, topic, subID string) error {
	if err := m.store.SetRem(ctx, m.keys.TopicSubscribers(tenant, topic), subID); err != nil {
		return err
	}
	return m.store.Delete(ctx,
		m.keys.SubscriberMeta(tenant, subID),
		m.keys.SubscriberQueue(tenant, subID, topic))
}

// MarkInactive flags a subscriber for the reaper without deleting state.
func (m *Manager) MarkInactive(ctx context.Context, tenant, subID string) error {
	return m.store.HashSet(ctx, m.keys.SubscriberMeta(tenant, subID),
		map[string]any{"isActive": "0"})
}

// Touch refreshes a subscriber's liveness stamp.
func (m *Manager) Touch(ctx context.Context, tenant, subID string) error {
	metaKey := m.keys.SubscriberMeta(tenant, subID)
	if err := m.store.HashSet(ctx, metaKey,
		map[string]any{"lastSeen": time.Now().UnixMilli()}); err != nil {
		return err
	}
	return m.store.Expire(ctx, metaKey, subscriberTTL)
}

// Subscribers lists the subscriber ids currently registered on the topic.
func (m *Manager) Subscribers(ctx context.Context, tenant, topic string) ([]string, error) {
	return m.store.SetMembers(ctx, m.keys.TopicSubscribers(tenant, topic))
}

// queueHeader is the minimal slice of an enqueued envelope needed for
// coalescing decisions; the full payload stays unparsed.
type queueHeader struct {
	SenderID string           `json:"senderId"`
	Type     schema.EventType `json:"type"`
}

// Enqueue appends the envelope to the subscriber's bounded queue. Near-full
// queues coalesce state-overwrite types (cursor, presence) by dropping prior
// entries from the same sender; overflow trims from the head.
func (m *Manager) Enqueue(ctx context.Context, tenant, topic, subID string, env *schema.Envelope) error {
	queueKey := m.keys.SubscriberQueue(tenant, subID, topic)

	raw, err := env.Encode()
	if err != nil {
		return errs.New("topic/enqueue", errs.CodeInternal, errs.WithCause(err))
	}

	if env.Type.Coalescable() {
		if err := m.coalesce(ctx, queueKey, tenant, env); err != nil {
			return err
		}
	}

	length, err := m.store.ListPush(ctx, queueKey, raw)
	if err != nil {
		return err
	}

	if over := length - m.cfg.QueueCap; over > 0 {
		if err := m.store.ListTrim(ctx, queueKey, over, -1); err != nil {
			return err
		}
		if m.droppedCounter != nil {
			m.droppedCounter.Add(ctx, over, metric.WithAttributes(
				attribute.String("tenant", tenant),
				attribute.String("reason", "queue_cap")))
		}
	}

	return m.store.Expire(ctx, queueKey, subscriberTTL)
}

// coalesce removes prior entries with the same (type, senderId) once the
// queue crosses the 75% fill threshold. Only the distributor writes a given
// queue on a replica, so the read-rewrite below does not race another
// producer.
func (m *Manager) coalesce(ctx context.Context, queueKey, tenant string, env *schema.Envelope) error {
	length, err := m.store.ListLen(ctx, queueKey)
	if err != nil {
		return err
	}
	if length*coalesceThresholdDen < m.cfg.QueueCap*coalesceThresholdNum {
		return nil
	}

	entries, err := m.store.ListRange(ctx, queueKey, 0, -1)
	if err != nil {
		return err
	}

	survivors := make([]any, 0, len(entries))
	removed := int64(0)
	for _, entry := range entries {
		var hdr queueHeader
		if err := json.Unmarshal([]byte(entry), &hdr); err == nil &&
			hdr.Type == env.Type && hdr.SenderID == env.SenderID {
			removed++
			continue
		}
		survivors = append(survivors, entry)
	}
	if removed == 0 {
		return nil
	}

	if err := m.store.Delete(ctx, queueKey); err != nil {
		return err
	}
	if len(survivors) > 0 {
		if _, err := m.store.ListPush(ctx, queueKey, survivors...); err != nil {
			return err
		}
	}
	if m.coalescedCounter != nil {
		m.coalescedCounter.Add(ctx, removed, metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("type", string(env.Type))))
	}
	return nil
}

// ReadFromSeq returns durable-tail entries with seq >= fromSeq in ascending
// order, at most max entries. A fromSeq older than the retained minimum
// yields what remains; the caller reconciles the gap.
func (m *Manager) ReadFromSeq(ctx context.Context, tenant, topic string, fromSeq, max int64) ([]*schema.Envelope, error) {
	if max <= 0 {
		max = defaultBacklogMax
	}
	entries, err := m.store.StreamRangeFrom(ctx, m.keys.Stream(tenant, topic), max)
	if err != nil {
		return nil, err
	}

	out := make([]*schema.Envelope, 0, len(entries))
	for _, entry := range entries {
		env := decodeStreamEntry(tenant, topic, entry)
		if env == nil || env.Seq < fromSeq {
			continue
		}
		out = append(out, env)
	}
	// Entries land in append order, which can trail seq order when two
	// publishers interleave between incr and append. Callers are promised
	// ascending seq.
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DrainQueue atomically empties the subscriber's queue and decodes its
// contents in FIFO order.
func (m *Manager) DrainQueue(ctx context.Context, tenant, topic, subID string) ([]*schema.Envelope, error) {
	const drainScript = `
local entries = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return entries
`
	queueKey := m.keys.SubscriberQueue(tenant, subID, topic)
	res, err := m.store.Eval(ctx, drainScript, []string{queueKey})
	if err != nil {
		return nil, err
	}
	entries, _ := res.([]any)

	out := make([]*schema.Envelope, 0, len(entries))
	for _, item := range entries {
		entry, ok := item.(string)
		if !ok {
			continue
		}
		env, err := schema.DecodeEnvelope([]byte(entry))
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// QueueLen reports the current depth of a subscriber's queue.
func (m *Manager) QueueLen(ctx context.Context, tenant, topic, subID string) (int64, error) {
	return m.store.ListLen(ctx, m.keys.SubscriberQueue(tenant, subID, topic))
}

// Stats reports the subscriber count and retained buffer size of a topic.
func (m *Manager) Stats(ctx context.Context, tenant, topic string) (subscribers int64, buffered int64, err error) {
	subscribers, err = m.store.SetCard(ctx, m.keys.TopicSubscribers(tenant, topic))
	if err != nil {
		return 0, 0, err
	}
	buffered, err = m.store.StreamLen(ctx, m.keys.Stream(tenant, topic))
	if err != nil {
		return 0, 0, err
	}
	return subscribers, buffered, nil
}

func decodeStreamEntry(tenant, topic string, entry store.StreamEntry) *schema.Envelope {
	seq, err := strconv.ParseInt(entry.Fields[fieldSeq], 10, 64)
	if err != nil {
		return nil
	}
	ts, _ := time.Parse(time.RFC3339Nano, entry.Fields[fieldTS])
	return &schema.Envelope{
		ID:       entry.Fields[fieldID],
		TenantID: tenant,
		TopicID:  topic,
		SenderID: entry.Fields[fieldUserID],
		Type:     schema.EventType(entry.Fields[fieldType]),
		Data:     json.RawMessage(entry.Fields[fieldData]),
		Seq:      seq,
		TS:       ts,
	}
}
