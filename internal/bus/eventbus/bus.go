// Package eventbus implements the single-replica multi-consumer broadcast
// used by active subscription streams. Backpressure is the consumer's
// responsibility: a consumer that cannot keep up is skipped for the
// offending delivery and recovers it on its next drain of the durable
// per-subscriber queue, which remains the authoritative delivery path.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/driftwire/driftwire/errs"
	"github.com/driftwire/driftwire/internal/schema"
)

// DefaultBufferSize is the per-consumer channel depth.
const DefaultBufferSize = 64

// SubscriptionID identifies one bus consumer.
type SubscriptionID string

// Config sizes the bus.
type Config struct {
	BufferSize int
}

// Bus is an in-memory per-channel broadcast.
type Bus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	consumers    map[string]map[SubscriptionID]*consumer
	shutdownOnce sync.Once
	nextID       uint64

	deliveredCounter metric.Int64Counter
	skippedCounter   metric.Int64Counter
	consumerGauge    metric.Int64UpDownCounter
}

type consumer struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *schema.Envelope
	once   sync.Once
}

// New constructs a broadcast bus.
func New(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(Bus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.consumers = make(map[string]map[SubscriptionID]*consumer)

	meter := otel.Meter("eventbus")
	bus.deliveredCounter, _ = meter.Int64Counter("gateway.events.delivered",
		metric.WithDescription("Number of envelopes delivered to bus consumers"),
		metric.WithUnit("{event}"))
	bus.skippedCounter, _ = meter.Int64Counter("gateway.bus.skipped",
		metric.WithDescription("Number of deliveries skipped due to consumer backpressure"),
		metric.WithUnit("{event}"))
	bus.consumerGauge, _ = meter.Int64UpDownCounter("gateway.bus.consumers",
		metric.WithDescription("Number of active bus consumers"),
		metric.WithUnit("{consumer}"))

	return bus
}

// Publish delivers the envelope to every consumer currently subscribed to
// the channel on this replica. Per-channel FIFO holds for consumers that
// keep up; full consumers are skipped.
func (b *Bus) Publish(ctx context.Context, channel string, env *schema.Envelope) error {
	if env == nil {
		return nil
	}
	if channel == "" {
		return errs.New("eventbus/publish", errs.CodeInvalidInput,
			errs.WithField("channel", "must not be empty"))
	}
	select {
	case <-b.ctx.Done():
		return errs.New("eventbus/publish", errs.CodeInternal, errs.WithMessage("bus closed"))
	default:
	}

	b.mu.RLock()
	consumerMap := b.consumers[channel]
	consumers := make([]*consumer, 0, len(consumerMap))
	for _, c := range consumerMap {
		consumers = append(consumers, c)
	}
	b.mu.RUnlock()

	for _, c := range consumers {
		if c.ctx.Err() != nil {
			continue
		}
		select {
		case c.ch <- env.Clone():
			if b.deliveredCounter != nil {
				b.deliveredCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("type", string(env.Type))))
			}
		default:
			if b.skippedCounter != nil {
				b.skippedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("type", string(env.Type))))
			}
		}
	}
	return nil
}

// Subscribe registers a consumer on the channel. Only envelopes published
// after the subscription is installed are delivered; there is no replay
// here.
func (b *Bus) Subscribe(ctx context.Context, channel string) (SubscriptionID, <-chan *schema.Envelope, error) {
	if channel == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalidInput,
			errs.WithField("channel", "must not be empty"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	c := new(consumer)
	c.ctx = ctx
	c.cancel = cancel
	c.ch = make(chan *schema.Envelope, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("bus-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.consumers[channel]; !ok {
		b.consumers[channel] = make(map[SubscriptionID]*consumer)
	}
	b.consumers[channel][id] = c
	b.mu.Unlock()

	if b.consumerGauge != nil {
		b.consumerGauge.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}

	go b.observe(channel, id, c)
	return id, c.ch, nil
}

// Unsubscribe removes the consumer and closes its channel.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for channel, consumers := range b.consumers {
		if c, ok := consumers[id]; ok {
			delete(consumers, id)
			if len(consumers) == 0 {
				delete(b.consumers, channel)
			}
			b.mu.Unlock()
			if b.consumerGauge != nil {
				b.consumerGauge.Add(context.Background(), -1, metric.WithAttributes(
					attribute.String("channel", channel)))
			}
			c.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all consumers.
func (b *Bus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for channel, consumers := range b.consumers {
			for id, c := range consumers {
				if c != nil {
					c.close()
				}
				delete(consumers, id)
			}
			delete(b.consumers, channel)
		}
		b.mu.Unlock()
	})
}

func (b *Bus) observe(channel string, id SubscriptionID, c *consumer) {
	select {
	case <-c.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	consumers := b.consumers[channel]
	if consumers != nil {
		if stored, ok := consumers[id]; ok && stored == c {
			delete(consumers, id)
			if len(consumers) == 0 {
				delete(b.consumers, channel)
			}
		}
	}
	b.mu.Unlock()
	c.close()
}

func (c *consumer) close() {
	c.once.Do(func() {
		c.cancel()
		close(c.ch)
	})
}
