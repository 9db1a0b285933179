// Package store wraps the shared Redis-compatible store behind the narrow
// surface the event plane depends on. All authority for ordering, durability,
// and fan-out lives here; callers own the fallback policy when the link is
// down.
package store

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/driftwire/driftwire/errs"
)

const (
	defaultCommandTimeout = 2 * time.Second

	retryMaxAttempts  = 3
	retryBaseInterval = 100 * time.Millisecond
	retryMultiplier   = 2
	retryMaxInterval  = 10 * time.Second
)

// StreamEntry is one durable stream record.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Message is one pattern-subscription delivery.
type Message struct {
	Pattern string
	Channel string
	Payload string
}

// Config sizes the adapter's connection and deadlines.
type Config struct {
	Addr           string
	Password       string
	DB             int
	CommandTimeout time.Duration
}

// Adapter exposes typed store primitives with per-call deadlines, bounded
// retries for idempotent commands, and a circuit breaker.
type Adapter struct {
	client  *redis.Client
	timeout time.Duration
	breaker *Breaker
}

// New connects an adapter to the shared store.
func New(cfg Config) *Adapter {
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Adapter{
		client:  client,
		timeout: timeout,
		breaker: NewBreaker(),
	}
}

// NewWithClient wraps an existing client; used by tests and Duplicate.
func NewWithClient(client *redis.Client, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Adapter{
		client:  client,
		timeout: timeout,
		breaker: NewBreaker(),
	}
}

// Duplicate obtains a second connection to the same store, required for
// blocking pattern subscriptions that would otherwise starve commands.
func (a *Adapter) Duplicate() *Adapter {
	opts := a.client.Options()
	dup := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Adapter{
		client:  dup,
		timeout: a.timeout,
		breaker: NewBreaker(),
	}
}

// Close releases the underlying connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

// classify converts transport-level failures into store_unavailable; store
// usage errors (wrong type, bad script) pass through as internal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr),
		errors.Is(err, redis.ErrClosed):
		return errs.New(op, errs.CodeStoreUnavailable, errs.WithCause(err))
	default:
		return errs.New(op, errs.CodeInternal, errs.WithCause(err))
	}
}

// run executes one command under the breaker and the per-call deadline.
func run[T any](a *Adapter, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := a.breaker.Allow(op); err != nil {
		return zero, err
	}
	cctx, cancel := a.withDeadline(ctx)
	defer cancel()
	out, err := fn(cctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		a.breaker.Failure()
		return zero, classify(op, err)
	}
	a.breaker.Success()
	return out, nil
}

// runRetry is run plus exponential backoff, reserved for idempotent commands.
func runRetry[T any](a *Adapter, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseInterval
	bo.Multiplier = retryMultiplier
	bo.MaxInterval = retryMaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		out, err := run(a, ctx, op, fn)
		if err != nil && !errs.IsRetryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(retryMaxAttempts))
}

// Incr atomically increments the integer at key. Idempotent from the
// caller's perspective only in that a retried increment still yields a
// unique, monotonic value; retries here trade an occasional gap for
// liveness.
func (a *Adapter) Incr(ctx context.Context, key string) (int64, error) {
	return runRetry(a, ctx, "store/incr", func(ctx context.Context) (int64, error) {
		return a.client.Incr(ctx, key).Result()
	})
}

// StreamAppend appends fields to the stream at key and returns the entry id.
func (a *Adapter) StreamAppend(ctx context.Context, key string, fields map[string]any) (string, error) {
	return run(a, ctx, "store/stream_append", func(ctx context.Context) (string, error) {
		return a.client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: fields}).Result()
	})
}

// StreamRangeFrom reads up to max entries across the whole stream in
// ascending id order.
func (a *Adapter) StreamRangeFrom(ctx context.Context, key string, max int64) ([]StreamEntry, error) {
	return run(a, ctx, "store/stream_range", func(ctx context.Context) ([]StreamEntry, error) {
		msgs, err := a.client.XRangeN(ctx, key, "-", "+", max).Result()
		if err != nil {
			return nil, err
		}
		entries := make([]StreamEntry, 0, len(msgs))
		for _, m := range msgs {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			entries = append(entries, StreamEntry{ID: m.ID, Fields: fields})
		}
		return entries, nil
	})
}

// StreamTrimApprox trims the stream to approximately cap entries. Approximate
// trimming lets the store drop whole macro nodes instead of rewriting them.
func (a *Adapter) StreamTrimApprox(ctx context.Context, key string, cap int64) error {
	_, err := run(a, ctx, "store/stream_trim", func(ctx context.Context) (int64, error) {
		return a.client.XTrimMaxLenApprox(ctx, key, cap, 0).Result()
	})
	return err
}

// StreamLen returns the number of retained stream entries.
func (a *Adapter) StreamLen(ctx context.Context, key string) (int64, error) {
	return run(a, ctx, "store/stream_len", func(ctx context.Context) (int64, error) {
		return a.client.XLen(ctx, key).Result()
	})
}

// Publish broadcasts payload on the channel to every replica.
func (a *Adapter) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := runRetry(a, ctx, "store/publish", func(ctx context.Context) (int64, error) {
		return a.client.Publish(ctx, channel, payload).Result()
	})
	return err
}

// PatternSubscribe opens a long-lived pattern subscription. The caller owns
// the subscription's lifetime and should run it on a Duplicate()d adapter.
func (a *Adapter) PatternSubscribe(ctx context.Context, pattern string) (*PatternSubscription, error) {
	if err := a.breaker.Allow("store/psubscribe"); err != nil {
		return nil, err
	}
	ps := a.client.PSubscribe(ctx, pattern)
	cctx, cancel := a.withDeadline(ctx)
	defer cancel()
	if _, err := ps.Receive(cctx); err != nil {
		_ = ps.Close()
		a.breaker.Failure()
		return nil, classify("store/psubscribe", err)
	}
	a.breaker.Success()
	return newPatternSubscription(ps), nil
}

// HashGetAll returns every field of the hash at key.
func (a *Adapter) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return runRetry(a, ctx, "store/hgetall", func(ctx context.Context) (map[string]string, error) {
		return a.client.HGetAll(ctx, key).Result()
	})
}

// HashSet writes the given field/value pairs into the hash at key.
func (a *Adapter) HashSet(ctx context.Context, key string, fields map[string]any) error {
	_, err := run(a, ctx, "store/hset", func(ctx context.Context) (int64, error) {
		return a.client.HSet(ctx, key, fields).Result()
	})
	return err
}

// HashDel removes fields from the hash at key.
func (a *Adapter) HashDel(ctx context.Context, key string, fields ...string) error {
	_, err := run(a, ctx, "store/hdel", func(ctx context.Context) (int64, error) {
		return a.client.HDel(ctx, key, fields...).Result()
	})
	return err
}

// HashKeys lists the field names of the hash at key.
func (a *Adapter) HashKeys(ctx context.Context, key string) ([]string, error) {
	return run(a, ctx, "store/hkeys", func(ctx context.Context) ([]string, error) {
		return a.client.HKeys(ctx, key).Result()
	})
}

// SetAdd adds members to the set at key.
func (a *Adapter) SetAdd(ctx context.Context, key string, members ...string) error {
	_, err := run(a, ctx, "store/sadd", func(ctx context.Context) (int64, error) {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return a.client.SAdd(ctx, key, args...).Result()
	})
	return err
}

// SetRem removes members from the set at key.
func (a *Adapter) SetRem(ctx context.Context, key string, members ...string) error {
	_, err := run(a, ctx, "store/srem", func(ctx context.Context) (int64, error) {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return a.client.SRem(ctx, key, args...).Result()
	})
	return err
}

// SetMembers lists the members of the set at key.
func (a *Adapter) SetMembers(ctx context.Context, key string) ([]string, error) {
	return run(a, ctx, "store/smembers", func(ctx context.Context) ([]string, error) {
		return a.client.SMembers(ctx, key).Result()
	})
}

// SetCard returns the cardinality of the set at key.
func (a *Adapter) SetCard(ctx context.Context, key string) (int64, error) {
	return run(a, ctx, "store/scard", func(ctx context.Context) (int64, error) {
		return a.client.SCard(ctx, key).Result()
	})
}

// ListPush appends values to the tail of the list at key.
func (a *Adapter) ListPush(ctx context.Context, key string, values ...any) (int64, error) {
	return run(a, ctx, "store/rpush", func(ctx context.Context) (int64, error) {
		return a.client.RPush(ctx, key, values...).Result()
	})
}

// ListRange reads list entries between start and stop, inclusive.
func (a *Adapter) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return run(a, ctx, "store/lrange", func(ctx context.Context) ([]string, error) {
		return a.client.LRange(ctx, key, start, stop).Result()
	})
}

// ListTrim keeps only list entries between start and stop, inclusive.
func (a *Adapter) ListTrim(ctx context.Context, key string, start, stop int64) error {
	_, err := run(a, ctx, "store/ltrim", func(ctx context.Context) (string, error) {
		return a.client.LTrim(ctx, key, start, stop).Result()
	})
	return err
}

// ListLen returns the length of the list at key.
func (a *Adapter) ListLen(ctx context.Context, key string) (int64, error) {
	return run(a, ctx, "store/llen", func(ctx context.Context) (int64, error) {
		return a.client.LLen(ctx, key).Result()
	})
}

// StringGet reads the string value at key; found is false on a miss.
func (a *Adapter) StringGet(ctx context.Context, key string) (string, bool, error) {
	type res struct {
		val   string
		found bool
	}
	out, err := run(a, ctx, "store/get", func(ctx context.Context) (res, error) {
		val, err := a.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return res{found: false}, nil
		}
		if err != nil {
			return res{}, err
		}
		return res{val: val, found: true}, nil
	})
	return out.val, out.found, err
}

// StringSet writes a string value with a TTL.
func (a *Adapter) StringSet(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := run(a, ctx, "store/set", func(ctx context.Context) (string, error) {
		return a.client.Set(ctx, key, value, ttl).Result()
	})
	return err
}

// Delete removes the given keys.
func (a *Adapter) Delete(ctx context.Context, keys ...string) error {
	_, err := run(a, ctx, "store/del", func(ctx context.Context) (int64, error) {
		return a.client.Del(ctx, keys...).Result()
	})
	return err
}

// KeysByPattern enumerates keys matching the glob pattern. Used only by the
// low-frequency reaper; never on the publish or delivery path.
func (a *Adapter) KeysByPattern(ctx context.Context, pattern string) ([]string, error) {
	return run(a, ctx, "store/keys", func(ctx context.Context) ([]string, error) {
		return a.client.Keys(ctx, pattern).Result()
	})
}

// Expire sets a TTL on key.
func (a *Adapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := run(a, ctx, "store/expire", func(ctx context.Context) (bool, error) {
		return a.client.Expire(ctx, key, ttl).Result()
	})
	return err
}

// Eval runs a server-side script. Scripts carry the atomic multi-write
// invariants the system needs; they are never retried here.
func (a *Adapter) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return run(a, ctx, "store/eval", func(ctx context.Context) (any, error) {
		return a.client.Eval(ctx, script, keys, args...).Result()
	})
}
