// Package gateway wires the event plane together and exposes the operation
// surface consumed by the transport façade.
package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/driftwire/driftwire/config"
	"github.com/driftwire/driftwire/errs"
	"github.com/driftwire/driftwire/internal/acl"
	"github.com/driftwire/driftwire/internal/bus/eventbus"
	"github.com/driftwire/driftwire/internal/distributor"
	"github.com/driftwire/driftwire/internal/presence"
	"github.com/driftwire/driftwire/internal/publish"
	"github.com/driftwire/driftwire/internal/ratelimit"
	"github.com/driftwire/driftwire/internal/schema"
	"github.com/driftwire/driftwire/internal/store"
	"github.com/driftwire/driftwire/internal/subscription"
	"github.com/driftwire/driftwire/internal/topic"
)

// Stats is the topicStats reply.
type Stats struct {
	SubscriberCount int64
	BufferSize      int64
}

// Gateway is one replica of the event plane.
type Gateway struct {
	cfg    config.Settings
	keys   schema.Keys
	origin string

	store    *store.Adapter
	substore *store.Adapter

	limiter   *ratelimit.Limiter
	topics    *topic.Manager
	presence  *presence.Tracker
	guard     *acl.Checker
	bus       *eventbus.Bus
	publisher *publish.Publisher
	streamer  *subscription.Streamer
	dist      *distributor.Distributor
	reaper    *topic.Reaper

	cancel    context.CancelFunc
	lifecycle conc.WaitGroup
}

// New validates the configuration, connects to the store, and wires the
// event plane.
func New(cfg config.Settings, source acl.AccessSource) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.New("gateway/new", errs.CodeInternal, errs.WithCause(err))
	}
	st := store.New(store.Config{
		Addr:           cfg.Store.Addr,
		Password:       cfg.Store.Password,
		DB:             cfg.Store.DB,
		CommandTimeout: cfg.Store.CommandTimeout,
	})
	return assemble(cfg, source, st, st.Duplicate())
}

// NewWithStore wires the event plane over externally constructed adapters;
// used by tests that point both connections at an embedded store.
func NewWithStore(cfg config.Settings, source acl.AccessSource, st, substore *store.Adapter) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.New("gateway/new", errs.CodeInternal, errs.WithCause(err))
	}
	return assemble(cfg, source, st, substore)
}

func assemble(cfg config.Settings, source acl.AccessSource, st, substore *store.Adapter) (*Gateway, error) {
	keys := schema.Keys{Prefix: cfg.Prefix}
	origin := uuid.NewString()

	limiter := ratelimit.New(st, keys, ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		UserLimit:   cfg.RateLimit.MaxRequests,
		TopicLimit:  cfg.RateLimit.TopicLimit,
		GlobalLimit: cfg.RateLimit.GlobalLimit,
	})

	topics := topic.NewManager(st, keys, origin, topic.Config{
		StreamCap:           int64(cfg.MaxTopicBufferSize),
		QueueCap:            int64(cfg.MaxSubscriberQueueSize),
		SlowClientThreshold: cfg.SlowClientThreshold,
	})

	guard, err := acl.NewChecker(source, st, keys, acl.Config{
		Production: cfg.Production(),
		FailOpen:   !cfg.Production(),
	})
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(eventbus.Config{BufferSize: eventbus.DefaultBufferSize})

	g := &Gateway{
		cfg:      cfg,
		keys:     keys,
		origin:   origin,
		store:    st,
		substore: substore,
		limiter:  limiter,
		topics:   topics,
		presence: presence.NewTracker(st, keys),
		guard:    guard,
		bus:      bus,
		publisher: publish.NewPublisher(topics, limiter, guard, bus, publish.Config{
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			InputPerMin:     cfg.RateLimit.InputPerMin,
		}),
		streamer: subscription.NewStreamer(topics, guard, bus, subscription.Config{
			DurabilityEnabled: cfg.DurabilityEnabled,
			BacklogMax:        int64(cfg.MaxTopicBufferSize),
		}),
		dist:   distributor.New(substore, topics, bus, keys, origin, distributor.Config{}),
		reaper: topic.NewReaper(topics, topic.DefaultReapInterval),
	}
	return g, nil
}

// Start launches the distributor and the reaper. It returns immediately;
// Shutdown stops both.
func (g *Gateway) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.lifecycle.Go(func() {
		_ = g.dist.Run(ctx)
	})
	g.lifecycle.Go(func() {
		g.reaper.Run(ctx)
	})
}

// Shutdown cancels subscription tasks, stops the distributor's pattern
// subscription, and closes store connections.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	done := make(chan struct{})
	go func() {
		g.lifecycle.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	g.bus.Close()
	g.limiter.Close()
	if err := g.substore.Close(); err != nil {
		return err
	}
	return g.store.Close()
}

// Publish runs the full admission pipeline and appends the event.
func (g *Gateway) Publish(ctx context.Context, principal *schema.Principal, input publish.Input) (*schema.Envelope, error) {
	return g.publisher.PublishEvent(ctx, principal, input)
}

// Subscribe opens a streaming subscription on the topic, optionally
// replaying the durable tail from fromSeq.
func (g *Gateway) Subscribe(ctx context.Context, principal *schema.Principal, topicID string, fromSeq int64) (*subscription.Stream, error) {
	return g.streamer.Open(ctx, principal, topicID, fromSeq)
}

// Join records presence on the topic.
func (g *Gateway) Join(ctx context.Context, principal *schema.Principal, topicID string) error {
	if err := g.presenceGuard(ctx, principal, topicID); err != nil {
		return err
	}
	return g.presence.Join(ctx, principal.TenantID, topicID, principal.UserID)
}

// Leave removes presence from the topic.
func (g *Gateway) Leave(ctx context.Context, principal *schema.Principal, topicID string) error {
	if err := g.presenceGuard(ctx, principal, topicID); err != nil {
		return err
	}
	return g.presence.Leave(ctx, principal.TenantID, topicID, principal.UserID)
}

// Heartbeat refreshes presence on the topic.
func (g *Gateway) Heartbeat(ctx context.Context, principal *schema.Principal, topicID string) error {
	if err := g.presenceGuard(ctx, principal, topicID); err != nil {
		return err
	}
	return g.presence.Heartbeat(ctx, principal.TenantID, topicID, principal.UserID)
}

// Present lists the user ids present on the topic.
func (g *Gateway) Present(ctx context.Context, principal *schema.Principal, topicID string) ([]string, error) {
	if err := g.presenceGuard(ctx, principal, topicID); err != nil {
		return nil, err
	}
	return g.presence.List(ctx, principal.TenantID, topicID)
}

// TopicStats reports the subscriber count and retained buffer size.
func (g *Gateway) TopicStats(ctx context.Context, principal *schema.Principal, topicID string) (Stats, error) {
	if err := g.presenceGuard(ctx, principal, topicID); err != nil {
		return Stats{}, err
	}
	subscribers, buffered, err := g.topics.Stats(ctx, principal.TenantID, topicID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{SubscriberCount: subscribers, BufferSize: buffered}, nil
}

// EventHistory returns up to count of the most recent durable envelopes in
// ascending seq order.
func (g *Gateway) EventHistory(ctx context.Context, principal *schema.Principal, topicID string, count int64) ([]*schema.Envelope, error) {
	if err := g.presenceGuard(ctx, principal, topicID); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}
	all, err := g.topics.ReadFromSeq(ctx, principal.TenantID, topicID, 1, int64(g.cfg.MaxTopicBufferSize))
	if err != nil {
		return nil, err
	}
	if int64(len(all)) > count {
		all = all[int64(len(all))-count:]
	}
	return all, nil
}

func (g *Gateway) presenceGuard(ctx context.Context, principal *schema.Principal, topicID string) error {
	if !principal.Valid() {
		return errs.New("gateway/auth", errs.CodeUnauthorized)
	}
	if !schema.ValidTopicID(topicID) {
		return errs.New("gateway/validate", errs.CodeInvalidInput,
			errs.WithField("topicId", "must match [A-Za-z0-9_.\\-:]{1,200}"))
	}
	return g.guard.Require(ctx, principal, topicID)
}
