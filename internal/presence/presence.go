// Package presence tracks TTL-refreshed topic membership. Presence is
// advisory: it never back-pressures publishes and does not participate in
// durability.
package presence

import (
	"context"
	"time"

	"github.com/driftwire/driftwire/internal/schema"
	"github.com/driftwire/driftwire/internal/store"
)

// TTL is the whole-hash expiry, refreshed on any write.
const TTL = 30 * time.Second

// Tracker maintains one membership hash per {tenant, topic}.
type Tracker struct {
	store *store.Adapter
	keys  schema.Keys
}

// NewTracker constructs a presence tracker.
func NewTracker(st *store.Adapter, keys schema.Keys) *Tracker {
	return &Tracker{store: st, keys: keys}
}

// Join records the user as present. Idempotent.
func (t *Tracker) Join(ctx context.Context, tenant, topic, userID string) error {
	return t.beat(ctx, tenant, topic, userID)
}

// Heartbeat refreshes the user's presence stamp. Idempotent.
func (t *Tracker) Heartbeat(ctx context.Context, tenant, topic, userID string) error {
	return t.beat(ctx, tenant, topic, userID)
}

func (t *Tracker) beat(ctx context.Context, tenant, topic, userID string) error {
	key := t.keys.Presence(tenant, topic)
	if err := t.store.HashSet(ctx, key, map[string]any{
		userID: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}
	return t.store.Expire(ctx, key, TTL)
}

// Leave removes the user from the topic's presence hash. Idempotent.
func (t *Tracker) Leave(ctx context.Context, tenant, topic, userID string) error {
	return t.store.HashDel(ctx, t.keys.Presence(tenant, topic), userID)
}

// List returns the user ids currently present on the topic.
func (t *Tracker) List(ctx context.Context, tenant, topic string) ([]string, error) {
	return t.store.HashKeys(ctx, t.keys.Presence(tenant, topic))
}
