// Package subscription runs the per-subscriber stream lifecycle: access
// check, registration, optional backlog replay, the live tail that drains
// the subscriber's durable queue, and guaranteed cleanup.
package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/driftwire/driftwire/errs"
	"github.com/driftwire/driftwire/internal/acl"
	"github.com/driftwire/driftwire/internal/bus/eventbus"
	"github.com/driftwire/driftwire/internal/observability"
	"github.com/driftwire/driftwire/internal/schema"
	"github.com/driftwire/driftwire/internal/topic"
)

const (
	// touchInterval keeps lastSeen fresh well inside the slow-client
	// threshold while the stream drains.
	touchInterval = 2 * time.Second

	cleanupTimeout = 5 * time.Second
)

// Config gates the replay path.
type Config struct {
	DurabilityEnabled bool
	BacklogMax        int64
}

// Streamer opens subscription streams.
type Streamer struct {
	topics *topic.Manager
	guard  *acl.Checker
	bus    *eventbus.Bus
	cfg    Config

	setupHistogram metric.Float64Histogram
}

// NewStreamer constructs a streamer.
func NewStreamer(topics *topic.Manager, guard *acl.Checker, bus *eventbus.Bus, cfg Config) *Streamer {
	s := &Streamer{topics: topics, guard: guard, bus: bus, cfg: cfg}
	meter := otel.Meter("subscription")
	s.setupHistogram, _ = meter.Float64Histogram("gateway.subscribe.setup.duration",
		metric.WithDescription("Latency of subscription setup"),
		metric.WithUnit("ms"))
	return s
}

// Stream is one active subscription. Events yields envelopes in seq order
// for a consumer that keeps up; duplicates may appear across the
// replay/live boundary and the consumer dedupes by id or seq.
type Stream struct {
	ID      string
	Tenant  string
	TopicID string

	events chan *schema.Envelope
	cancel context.CancelFunc
	done   chan struct{}
}

// Events returns the delivery channel. It closes when the stream ends.
func (s *Stream) Events() <-chan *schema.Envelope {
	return s.events
}

// Close cancels the stream and blocks until cleanup has run.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Open validates access, registers the subscriber, and starts the stream
// task. fromSeq > 0 requests backlog replay, honored only when durability
// is enabled; replayed and live deliveries may overlap but never leave a
// gap.
func (s *Streamer) Open(ctx context.Context, principal *schema.Principal, topicID string, fromSeq int64) (*Stream, error) {
	start := time.Now()

	if !principal.Valid() {
		return nil, errs.New("subscription/open", errs.CodeUnauthorized)
	}
	if !schema.ValidTopicID(topicID) {
		return nil, errs.New("subscription/open", errs.CodeInvalidInput,
			errs.WithField("topicId", "must match [A-Za-z0-9_.\\-:]{1,200}"))
	}
	if err := s.guard.Require(ctx, principal, topicID); err != nil {
		return nil, err
	}

	tenant := principal.TenantID
	subID := uuid.NewString()
	if err := s.topics.AddSubscriber(ctx, tenant, topicID, subID, principal.UserID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	// Tail first, then replay: a live delivery racing the replay shows up
	// as a duplicate, never as a gap.
	busID, live, err := s.bus.Subscribe(ctx, schema.BusChannel(tenant, topicID))
	if err != nil {
		cancel()
		s.removeSubscriber(tenant, topicID, subID)
		return nil, err
	}

	stream := &Stream{
		ID:      subID,
		Tenant:  tenant,
		TopicID: topicID,
		events:  make(chan *schema.Envelope),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go s.run(ctx, stream, busID, live, fromSeq)

	if s.setupHistogram != nil {
		s.setupHistogram.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	return stream, nil
}

// run is the TAIL loop. The durable per-subscriber queue is the
// authoritative delivery path: the distributor enqueues there on every
// replica, and the owning stream drains it. Bus deliveries double as the
// low-latency path and as the wake-up signal for a drain; lastSeq keeps the
// two paths from re-emitting each other's envelopes.
func (s *Streamer) run(ctx context.Context, stream *Stream, busID eventbus.SubscriptionID, live <-chan *schema.Envelope, fromSeq int64) {
	defer func() {
		s.bus.Unsubscribe(busID)
		s.removeSubscriber(stream.Tenant, stream.TopicID, stream.ID)
		close(stream.events)
		close(stream.done)
	}()

	var lastSeq int64

	if fromSeq > 0 && s.cfg.DurabilityEnabled {
		backlog, err := s.topics.ReadFromSeq(ctx, stream.Tenant, stream.TopicID, fromSeq, s.cfg.BacklogMax)
		if err != nil {
			// Replay degrades, the live tail continues; the consumer
			// reconciles via its own state once the store recovers.
			observability.Log().Error("subscription: backlog replay failed",
				observability.Field{Key: "topic", Value: stream.TopicID},
				observability.Field{Key: "fromSeq", Value: fromSeq},
				observability.Field{Key: "error", Value: err})
		}
		for _, env := range backlog {
			if !stream.emit(ctx, env) {
				return
			}
			if env.Seq > lastSeq {
				lastSeq = env.Seq
			}
		}
	}

	touch := time.NewTicker(touchInterval)
	defer touch.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-touch.C:
			if err := s.topics.Touch(ctx, stream.Tenant, stream.ID); err != nil {
				observability.Log().Debug("subscription: touch failed",
					observability.Field{Key: "subscriber", Value: stream.ID},
					observability.Field{Key: "error", Value: err})
			}
			if !s.drain(ctx, stream, &lastSeq) {
				return
			}
		case env, ok := <-live:
			if !ok {
				return
			}
			// Drain first so queued envelopes (lower seqs the bus skipped)
			// go out ahead of the live one.
			if !s.drain(ctx, stream, &lastSeq) {
				return
			}
			if env.Seq > lastSeq {
				if !stream.emit(ctx, env) {
					return
				}
				lastSeq = env.Seq
			}
		}
	}
}

// drain empties the subscriber's durable queue and emits every entry the
// live path has not already delivered. Bus skips and producing-replica
// races surface here as queued envelopes with seq > lastSeq. Returns false
// once the stream is cancelled.
func (s *Streamer) drain(ctx context.Context, stream *Stream, lastSeq *int64) bool {
	depth, err := s.topics.QueueLen(ctx, stream.Tenant, stream.TopicID, stream.ID)
	if err != nil || depth == 0 {
		if err != nil {
			observability.Log().Debug("subscription: queue length failed",
				observability.Field{Key: "subscriber", Value: stream.ID},
				observability.Field{Key: "error", Value: err})
		}
		return true
	}

	queued, err := s.topics.DrainQueue(ctx, stream.Tenant, stream.TopicID, stream.ID)
	if err != nil {
		observability.Log().Debug("subscription: queue drain failed",
			observability.Field{Key: "subscriber", Value: stream.ID},
			observability.Field{Key: "error", Value: err})
		return true
	}

	for _, env := range queued {
		if env.Seq <= *lastSeq {
			continue
		}
		if !stream.emit(ctx, env) {
			return false
		}
		*lastSeq = env.Seq
	}
	return true
}

func (stream *Stream) emit(ctx context.Context, env *schema.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case stream.events <- env:
		return true
	}
}

// removeSubscriber runs on a fresh context so cleanup survives the
// stream's own cancellation.
func (s *Streamer) removeSubscriber(tenant, topicID, subID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.topics.RemoveSubscriber(ctx, tenant, topicID, subID); err != nil {
		observability.Log().Error("subscription: cleanup failed",
			observability.Field{Key: "subscriber", Value: subID},
			observability.Field{Key: "error", Value: err})
	}
}
