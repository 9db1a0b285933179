// Package publish implements the validated, rate-limited publish path from
// an authenticated principal down to the topic manager and the same-replica
// broadcast bus.
package publish

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/driftwire/driftwire/errs"
	"github.com/driftwire/driftwire/internal/acl"
	"github.com/driftwire/driftwire/internal/bus/eventbus"
	"github.com/driftwire/driftwire/internal/ratelimit"
	"github.com/driftwire/driftwire/internal/schema"
	"github.com/driftwire/driftwire/internal/topic"
)

const publishAction = "publish"

// Input is the transport-agnostic publish request.
type Input struct {
	TopicID  string
	Type     string
	Data     json.RawMessage
	Priority *int
}

// Config bounds accepted payloads and the replica-local flood guard.
type Config struct {
	MaxPayloadBytes int
	// InputPerMin is the per-user input-frequency cap enforced in
	// replica-local memory before the store is touched.
	InputPerMin int
}

// Publisher validates, sanitizes, and admits publishes.
type Publisher struct {
	topics  *topic.Manager
	limiter *ratelimit.Limiter
	guard   *acl.Checker
	bus     *eventbus.Bus
	cfg     Config

	mu    sync.Mutex
	local map[string]*rate.Limiter

	durationHistogram metric.Float64Histogram
	errorCounter      metric.Int64Counter
}

// NewPublisher constructs a publisher.
func NewPublisher(topics *topic.Manager, limiter *ratelimit.Limiter, guard *acl.Checker, bus *eventbus.Bus, cfg Config) *Publisher {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 65536
	}
	if cfg.InputPerMin <= 0 {
		cfg.InputPerMin = 50
	}
	p := &Publisher{
		topics:  topics,
		limiter: limiter,
		guard:   guard,
		bus:     bus,
		cfg:     cfg,
		local:   make(map[string]*rate.Limiter),
	}

	meter := otel.Meter("publish")
	p.durationHistogram, _ = meter.Float64Histogram("gateway.publish.duration",
		metric.WithDescription("Latency of publish operations"),
		metric.WithUnit("ms"))
	p.errorCounter, _ = meter.Int64Counter("gateway.errors.total",
		metric.WithDescription("Number of errors observed by the event plane"),
		metric.WithUnit("{error}"))

	return p
}

// PublishEvent runs the full admission pipeline and returns the sealed
// envelope on success. seq is authoritative only after the append.
func (p *Publisher) PublishEvent(ctx context.Context, principal *schema.Principal, input Input) (*schema.Envelope, error) {
	start := time.Now()
	env, err := p.publish(ctx, principal, input)
	if p.durationHistogram != nil {
		result := "success"
		if err != nil {
			result = string(errs.CodeOf(err))
		}
		p.durationHistogram.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("result", result)))
	}
	if err != nil && p.errorCounter != nil {
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", "publish"),
			attribute.String("kind", string(errs.CodeOf(err)))))
	}
	return env, err
}

func (p *Publisher) publish(ctx context.Context, principal *schema.Principal, input Input) (*schema.Envelope, error) {
	if !principal.Valid() {
		return nil, errs.New("publish", errs.CodeUnauthorized)
	}

	data, err := p.validate(input)
	if err != nil {
		return nil, err
	}

	if err := p.allowLocal(principal.UserID); err != nil {
		return nil, err
	}

	if _, err := p.limiter.AllowUser(ctx, principal.UserID, publishAction); err != nil {
		return nil, err
	}
	if _, err := p.limiter.AllowTopic(ctx, principal.TenantID, input.TopicID); err != nil {
		return nil, err
	}
	if _, err := p.limiter.AllowGlobal(ctx); err != nil {
		return nil, err
	}

	if err := p.guard.Require(ctx, principal, input.TopicID); err != nil {
		return nil, err
	}

	env := &schema.Envelope{
		ID:       uuid.NewString(),
		TenantID: principal.TenantID,
		TopicID:  input.TopicID,
		SenderID: principal.UserID,
		Type:     schema.EventType(input.Type),
		Data:     data,
		Seq:      0, // authoritative value assigned at append
		TS:       time.Now().UTC(),
		Priority: input.Priority,
	}

	if err := p.topics.Append(ctx, env); err != nil {
		return nil, err
	}

	// Streams on this replica see the envelope without a store round-trip;
	// the distributor suppresses the cross-replica duplicate by origin.
	_ = p.bus.Publish(ctx, schema.BusChannel(env.TenantID, env.TopicID), env)

	return env, nil
}

// validate applies the structural rules and returns the sanitized payload.
func (p *Publisher) validate(input Input) (json.RawMessage, error) {
	if !schema.ValidTopicID(input.TopicID) {
		return nil, errs.New("publish/validate", errs.CodeInvalidInput,
			errs.WithField("topicId", "must match [A-Za-z0-9_.\\-:]{1,200}"))
	}
	if !schema.ValidEventType(input.Type) {
		return nil, errs.New("publish/validate", errs.CodeInvalidInput,
			errs.WithField("type", "must be a baseline tag or custom:*"))
	}
	if input.Priority != nil && (*input.Priority < 0 || *input.Priority > 9) {
		return nil, errs.New("publish/validate", errs.CodeInvalidInput,
			errs.WithField("priority", "must be an integer 0..9"))
	}
	if len(input.Data) == 0 {
		return nil, errs.New("publish/validate", errs.CodeInvalidInput,
			errs.WithField("data", "must be a JSON object"))
	}
	if len(input.Data) > p.cfg.MaxPayloadBytes {
		return nil, errs.New("publish/validate", errs.CodePayloadTooLarge,
			errs.WithField("data", "serialized payload exceeds cap"))
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(input.Data, &top); err != nil {
		return nil, errs.New("publish/validate", errs.CodeInvalidInput,
			errs.WithField("data", "must be a JSON object"))
	}
	if len(top) > schema.MaxDataProperties {
		return nil, errs.New("publish/validate", errs.CodeInvalidInput,
			errs.WithField("data", "exceeds 50 top-level properties"))
	}

	clean, err := sanitizePayload(input.Data)
	if err != nil {
		return nil, errs.New("publish/validate", errs.CodeInvalidInput,
			errs.WithField("data", "payload not sanitizable"))
	}
	if len(clean) > p.cfg.MaxPayloadBytes {
		return nil, errs.New("publish/validate", errs.CodePayloadTooLarge,
			errs.WithField("data", "serialized payload exceeds cap"))
	}
	return clean, nil
}

// allowLocal enforces the replica-local per-user input-frequency guard.
func (p *Publisher) allowLocal(userID string) error {
	p.mu.Lock()
	lim := p.local[userID]
	if lim == nil {
		perSecond := rate.Limit(float64(p.cfg.InputPerMin) / 60.0)
		lim = rate.NewLimiter(perSecond, p.cfg.InputPerMin)
		p.local[userID] = lim
	}
	p.mu.Unlock()

	reservation := lim.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return errs.New("publish/flood", errs.CodeRateLimited,
			errs.WithResetAt(time.Now().Add(delay)))
	}
	return nil
}
