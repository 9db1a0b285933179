// Package distributor consumes the store's publish channels for every
// {tenant, topic} and fans envelopes out to this replica's interested
// subscribers: into their durable bounded queues, and onto the in-process
// broadcast bus for streams connected here.
package distributor

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/driftwire/driftwire/internal/bus/eventbus"
	"github.com/driftwire/driftwire/internal/observability"
	"github.com/driftwire/driftwire/internal/schema"
	"github.com/driftwire/driftwire/internal/store"
	"github.com/driftwire/driftwire/internal/topic"
)

const resubscribeMaxInterval = 30 * time.Second

// Config sizes the distributor.
type Config struct {
	// FanoutWorkers bounds concurrent enqueues per message. Zero means
	// GOMAXPROCS.
	FanoutWorkers int
}

// Distributor is the one-per-replica fan-out task.
type Distributor struct {
	store   *store.Adapter
	topics  *topic.Manager
	bus     *eventbus.Bus
	keys    schema.Keys
	origin  string
	workers int

	mu       sync.Mutex
	rotation map[string]int

	errorCounter metric.Int64Counter
}

// New constructs a distributor. st must be a dedicated connection
// (Adapter.Duplicate) so the blocking subscription cannot starve commands.
func New(st *store.Adapter, topics *topic.Manager, bus *eventbus.Bus, keys schema.Keys, origin string, cfg Config) *Distributor {
	workers := cfg.FanoutWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	d := &Distributor{
		store:    st,
		topics:   topics,
		bus:      bus,
		keys:     keys,
		origin:   origin,
		workers:  workers,
		rotation: make(map[string]int),
	}

	meter := otel.Meter("distributor")
	d.errorCounter, _ = meter.Int64Counter("gateway.errors.total",
		metric.WithDescription("Number of errors observed by the event plane"),
		metric.WithUnit("{error}"))

	return d
}

// Run maintains the pattern subscription until the context is cancelled,
// resubscribing with exponential backoff when the link drops.
func (d *Distributor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = resubscribeMaxInterval

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sub, err := d.store.PatternSubscribe(ctx, d.keys.PubPattern())
		if err != nil {
			observability.Log().Error("distributor: subscribe failed",
				observability.Field{Key: "error", Value: err})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		observability.Log().Info("distributor: pattern subscription established",
			observability.Field{Key: "pattern", Value: d.keys.PubPattern()})

		d.consume(ctx, sub)
		_ = sub.Close()

		if err := ctx.Err(); err != nil {
			return err
		}
		// Messages channel closed with the context still live: the link
		// dropped. Loop and resubscribe.
	}
}

func (d *Distributor) consume(ctx context.Context, sub *store.PatternSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			d.handle(ctx, msg)
		}
	}
}

func (d *Distributor) handle(ctx context.Context, msg store.Message) {
	tenant, topicID, ok := d.parseChannel(msg.Channel)
	if !ok {
		return
	}

	frame, err := schema.DecodePubFrame([]byte(msg.Payload))
	if err != nil {
		d.countError(ctx, "decode")
		observability.Log().Error("distributor: undecodable frame",
			observability.Field{Key: "channel", Value: msg.Channel},
			observability.Field{Key: "error", Value: err})
		return
	}
	env := &frame.Envelope

	subscribers, err := d.topics.Subscribers(ctx, tenant, topicID)
	if err != nil {
		d.countError(ctx, "subscriber_set")
	}

	if len(subscribers) > 0 {
		d.fanout(ctx, tenant, topicID, subscribers, env)
	}

	// Streams on this replica tail the bus directly. The producing replica
	// already forwarded from its publish path, so suppress that duplicate.
	if frame.Origin == "" || frame.Origin != d.origin {
		_ = d.bus.Publish(ctx, schema.BusChannel(tenant, topicID), env)
	}
}

// fanout enqueues concurrently in rotated order. The rotation start index
// advances on every delivery, approximating round-robin fairness across
// subscribers when the replica is saturated.
func (d *Distributor) fanout(ctx context.Context, tenant, topicID string, subscribers []string, env *schema.Envelope) {
	rotated := d.rotate(tenant+":"+topicID, subscribers)

	workerLimit := d.workers
	if workerLimit > len(rotated) {
		workerLimit = len(rotated)
	}
	p := concpool.New().WithMaxGoroutines(workerLimit)
	for _, subID := range rotated {
		sub := subID
		p.Go(func() {
			if err := d.topics.Enqueue(ctx, tenant, topicID, sub, env); err != nil {
				d.countError(ctx, "enqueue")
				if markErr := d.topics.MarkInactive(ctx, tenant, sub); markErr != nil {
					observability.Log().Debug("distributor: mark inactive failed",
						observability.Field{Key: "subscriber", Value: sub},
						observability.Field{Key: "error", Value: markErr})
				}
			}
		})
	}
	p.Wait()
}

// rotate returns a stable-order view of members starting at the rotating
// index for the topic, then advances the index.
func (d *Distributor) rotate(key string, members []string) []string {
	if len(members) < 2 {
		return members
	}
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)

	d.mu.Lock()
	start := d.rotation[key] % len(sorted)
	d.rotation[key] = (start + 1) % len(sorted)
	d.mu.Unlock()

	rotated := make([]string, 0, len(sorted))
	rotated = append(rotated, sorted[start:]...)
	rotated = append(rotated, sorted[:start]...)
	return rotated
}

// parseChannel splits "{prefix}:pub:{tenant}:{topic}" on the first ':'
// after the prefix. Topic ids may themselves contain ':'.
func (d *Distributor) parseChannel(channel string) (tenant, topicID string, ok bool) {
	prefix := d.keys.PubPrefix()
	if !strings.HasPrefix(channel, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(channel, prefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (d *Distributor) countError(ctx context.Context, kind string) {
	if d.errorCounter != nil {
		d.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", "distributor"),
			attribute.String("kind", kind)))
	}
}
