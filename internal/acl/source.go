package acl

import (
	"context"

	"github.com/driftwire/driftwire/internal/schema"
)

// SourceFunc adapts a plain function to the AccessSource interface.
type SourceFunc func(ctx context.Context, principal *schema.Principal, topicID string) (bool, error)

// CheckTopicAccess implements AccessSource.
func (f SourceFunc) CheckTopicAccess(ctx context.Context, principal *schema.Principal, topicID string) (bool, error) {
	return f(ctx, principal, topicID)
}

// AllowAll admits every principal to every topic. Only sensible outside
// production, behind allowAuthDisabled.
func AllowAll() AccessSource {
	return SourceFunc(func(context.Context, *schema.Principal, string) (bool, error) {
		return true, nil
	})
}

// PermissionSource grants access from the principal's permission claims:
// "topics:*" for everything, or "topics:{topicId}" per topic.
func PermissionSource() AccessSource {
	return SourceFunc(func(_ context.Context, principal *schema.Principal, topicID string) (bool, error) {
		for _, perm := range principal.Permissions {
			if perm == "topics:*" || perm == "topics:"+topicID {
				return true, nil
			}
		}
		return false, nil
	})
}
