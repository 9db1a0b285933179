// Package ratelimit implements sliding-window token-bucket admission control
// backed by the shared store, with a restrictive in-process fallback when the
// store is unreachable.
package ratelimit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/driftwire/driftwire/errs"
	"github.com/driftwire/driftwire/internal/schema"
	"github.com/driftwire/driftwire/internal/store"
)

// slidingWindowScript removes expired members, checks cardinality against the
// limit, and admits by inserting (now, token) — all in one atomic script. The
// store's clock (TIME) drives both the window and the member score so all
// replicas agree on the window edges.
const slidingWindowScript = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local token = ARGV[3]
local t = redis.call('TIME')
local now = tonumber(t[1])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, token)
  redis.call('EXPIRE', key, window)
  return {1, limit - count - 1, now + window, limit}
end
return {0, 0, now + window, limit}
`

// Keys outside the tenant namespace, shared by every tenant on the store.
const (
	userKeyPrefix = "rate_limit:user:"
	globalKey     = "rate_limit:global"
)

// Decision is the limiter verdict for one request.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// Config sets the per-scope windows and limits.
type Config struct {
	Window      time.Duration
	UserLimit   int
	TopicLimit  int
	GlobalLimit int
}

// Limiter enforces the user-action, tenant-topic, and global scopes.
type Limiter struct {
	store    *store.Adapter
	keys     schema.Keys
	cfg      Config
	fallback *fallbackLimiter

	hitCounter   metric.Int64Counter
	blockCounter metric.Int64Counter
}

// New constructs a limiter and starts the fallback reaper.
func New(st *store.Adapter, keys schema.Keys, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.UserLimit <= 0 {
		cfg.UserLimit = 100
	}
	if cfg.TopicLimit <= 0 {
		cfg.TopicLimit = 1000
	}
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 10000
	}

	l := &Limiter{
		store:    st,
		keys:     keys,
		cfg:      cfg,
		fallback: newFallbackLimiter(),
	}

	meter := otel.Meter("ratelimit")
	l.hitCounter, _ = meter.Int64Counter("gateway.ratelimit.hits",
		metric.WithDescription("Number of rate limit checks performed"),
		metric.WithUnit("{check}"))
	l.blockCounter, _ = meter.Int64Counter("gateway.ratelimit.blocks",
		metric.WithDescription("Number of requests denied by rate limiting"),
		metric.WithUnit("{request}"))

	return l
}

// Close stops the fallback reaper.
func (l *Limiter) Close() {
	l.fallback.close()
}

// AllowUser checks the per-{principal, action} scope.
func (l *Limiter) AllowUser(ctx context.Context, userID, action string) (Decision, error) {
	key := userKeyPrefix + userID + ":" + action
	return l.allow(ctx, "user", key, l.cfg.UserLimit)
}

// AllowTopic checks the per-{tenant, topic} scope.
func (l *Limiter) AllowTopic(ctx context.Context, tenant, topic string) (Decision, error) {
	return l.allow(ctx, "topic", l.keys.TopicRate(tenant, topic), l.cfg.TopicLimit)
}

// AllowGlobal checks the replica-spanning global scope.
func (l *Limiter) AllowGlobal(ctx context.Context) (Decision, error) {
	return l.allow(ctx, "global", globalKey, l.cfg.GlobalLimit)
}

func (l *Limiter) allow(ctx context.Context, scope, key string, limit int) (Decision, error) {
	if l.hitCounter != nil {
		l.hitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
	}

	token := time.Now().UnixNano()
	res, err := l.store.Eval(ctx, slidingWindowScript, []string{key},
		int64(l.cfg.Window/time.Second), limit, token)
	if err != nil {
		if errs.IsRetryable(err) {
			// Coordination lost: fail closed on a 10% in-process budget
			// rather than admitting unbounded traffic.
			return l.decide(ctx, scope, l.fallback.allow(key, l.cfg.Window, limit))
		}
		return Decision{}, err
	}

	parts, ok := res.([]any)
	if !ok || len(parts) != 4 {
		return Decision{}, errs.New("ratelimit/allow", errs.CodeInternal,
			errs.WithMessage("unexpected script reply shape"))
	}
	dec := Decision{
		Allowed:   asInt64(parts[0]) == 1,
		Remaining: int(asInt64(parts[1])),
		ResetAt:   time.Unix(asInt64(parts[2]), 0),
		Limit:     int(asInt64(parts[3])),
	}
	return l.decide(ctx, scope, dec)
}

func (l *Limiter) decide(ctx context.Context, scope string, dec Decision) (Decision, error) {
	if !dec.Allowed {
		if l.blockCounter != nil {
			l.blockCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
		}
		return dec, errs.New("ratelimit/allow", errs.CodeRateLimited,
			errs.WithResetAt(dec.ResetAt))
	}
	return dec, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
