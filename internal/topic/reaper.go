package topic

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/driftwire/driftwire/internal/observability"
)

// DefaultReapInterval is how often the inactive-subscriber sweep runs.
const DefaultReapInterval = 30 * time.Second

// Reaper periodically removes subscribers that went inactive or stopped
// draining their durable queue. Reaping deletes that queue, so a reaped
// client's only way back is to reconnect and replay the topic stream from
// its last seq.
type Reaper struct {
	manager  *Manager
	interval time.Duration

	topicsGauge      metric.Int64Gauge
	subscribersGauge metric.Int64Gauge
}

// NewReaper constructs a reaper over the manager's subscriber registry.
func NewReaper(manager *Manager, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	r := &Reaper{manager: manager, interval: interval}

	meter := otel.Meter("topic")
	r.topicsGauge, _ = meter.Int64Gauge("gateway.topics.active",
		metric.WithDescription("Number of topics with registered subscribers"),
		metric.WithUnit("{topic}"))
	r.subscribersGauge, _ = meter.Int64Gauge("gateway.subscribers.active",
		metric.WithDescription("Number of registered subscribers"),
		metric.WithUnit("{subscriber}"))

	return r
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over every topic's subscriber set.
func (r *Reaper) Sweep(ctx context.Context) {
	m := r.manager
	setKeys, err := m.store.KeysByPattern(ctx, m.keys.SubscribersPattern())
	if err != nil {
		observability.Log().Error("reaper: enumerate subscriber sets",
			observability.Field{Key: "error", Value: err})
		return
	}

	threshold := m.cfg.SlowClientThreshold
	now := time.Now()
	totalSubscribers := int64(0)

	for _, setKey := range setKeys {
		tenant, topic, ok := r.parseSubscriberSetKey(setKey)
		if !ok {
			continue
		}
		members, err := m.store.SetMembers(ctx, setKey)
		if err != nil {
			continue
		}
		for _, subID := range members {
			meta, err := m.store.HashGetAll(ctx, m.keys.SubscriberMeta(tenant, subID))
			if err != nil {
				continue
			}
			if r.stale(meta, now, threshold) {
				if err := m.RemoveSubscriber(ctx, tenant, topic, subID); err != nil {
					observability.Log().Error("reaper: remove subscriber",
						observability.Field{Key: "subscriber", Value: subID},
						observability.Field{Key: "error", Value: err})
				}
				continue
			}
			totalSubscribers++
		}
	}

	if r.topicsGauge != nil {
		r.topicsGauge.Record(ctx, int64(len(setKeys)))
	}
	if r.subscribersGauge != nil {
		r.subscribersGauge.Record(ctx, totalSubscribers)
	}
}

// stale reports whether the subscriber should be reaped: metadata expired,
// marked inactive, or silent past the slow-client threshold.
func (r *Reaper) stale(meta map[string]string, now time.Time, threshold time.Duration) bool {
	if len(meta) == 0 {
		return true
	}
	if meta["isActive"] != "1" {
		return true
	}
	lastSeen, err := strconv.ParseInt(meta["lastSeen"], 10, 64)
	if err != nil {
		return true
	}
	return now.Sub(time.UnixMilli(lastSeen)) > threshold
}

// parseSubscriberSetKey recovers {tenant, topic} from a subscriber set key.
// Tenant ids never contain ':'; topic ids may.
func (r *Reaper) parseSubscriberSetKey(key string) (tenant, topic string, ok bool) {
	prefix := r.manager.keys.Prefix + ":topic:"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ":subscribers") {
		return "", "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ":subscribers")
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
