// Package acl caches topic access decisions in front of the external ACL
// source. Decisions are cached briefly in the shared store so every replica
// shares the same view; the failure policy is fail-open outside production
// and fail-closed in production.
package acl

import (
	"context"
	"time"

	"github.com/driftwire/driftwire/errs"
	"github.com/driftwire/driftwire/internal/observability"
	"github.com/driftwire/driftwire/internal/schema"
	"github.com/driftwire/driftwire/internal/store"
)

// DecisionTTL is how long a cached decision remains valid.
const DecisionTTL = 30 * time.Second

// AccessSource is the external ACL collaborator. Implementations typically
// consult a document store; the event plane only sees this call.
type AccessSource interface {
	CheckTopicAccess(ctx context.Context, principal *schema.Principal, topicID string) (bool, error)
}

// Config selects the failure policy.
type Config struct {
	Production bool
	// FailOpen admits on source errors. Must be false in production; the
	// constructor enforces this.
	FailOpen bool
}

// Checker answers access questions through the cache.
type Checker struct {
	source AccessSource
	store  *store.Adapter
	keys   schema.Keys
	cfg    Config
}

// NewChecker constructs a checker, rejecting configurations that would
// fail open in production.
func NewChecker(source AccessSource, st *store.Adapter, keys schema.Keys, cfg Config) (*Checker, error) {
	if source == nil {
		return nil, errs.New("acl/new", errs.CodeInternal, errs.WithMessage("access source required"))
	}
	if cfg.Production && cfg.FailOpen {
		return nil, errs.New("acl/new", errs.CodeInternal,
			errs.WithMessage("fail-open ACL policy is not permitted in production"))
	}
	return &Checker{source: source, store: st, keys: keys, cfg: cfg}, nil
}

// Check reports whether the principal may access the topic. Cache hits skip
// the external source entirely; source errors apply the failure policy.
func (c *Checker) Check(ctx context.Context, principal *schema.Principal, topicID string) (bool, error) {
	if !principal.Valid() {
		return false, errs.New("acl/check", errs.CodeUnauthorized)
	}

	cacheKey := c.keys.ACL(topicID, principal.UserID)
	if val, found, err := c.store.StringGet(ctx, cacheKey); err == nil && found {
		return val == "1", nil
	}

	allowed, err := c.source.CheckTopicAccess(ctx, principal, topicID)
	if err != nil {
		observability.Log().Error("acl: source check failed",
			observability.Field{Key: "topic", Value: topicID},
			observability.Field{Key: "user", Value: principal.UserID},
			observability.Field{Key: "error", Value: err})
		if c.cfg.Production || !c.cfg.FailOpen {
			return false, nil
		}
		return true, nil
	}

	val := "0"
	if allowed {
		val = "1"
	}
	if err := c.store.StringSet(ctx, cacheKey, val, DecisionTTL); err != nil {
		observability.Log().Debug("acl: cache write failed",
			observability.Field{Key: "error", Value: err})
	}
	return allowed, nil
}

// Require is Check folded into the gateway error taxonomy: a denial becomes
// an access_denied error.
func (c *Checker) Require(ctx context.Context, principal *schema.Principal, topicID string) error {
	allowed, err := c.Check(ctx, principal, topicID)
	if err != nil {
		return err
	}
	if !allowed {
		return errs.New("acl/check", errs.CodeAccessDenied,
			errs.WithMessage("access to topic denied"))
	}
	return nil
}
