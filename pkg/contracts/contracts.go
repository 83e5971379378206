package contracts

import (
	"context"

	"github.com/eventdesk/assistant/pkg/models"
)

// ── Sessions ────────────────────────────────────────────────

// Session is the resolved caller of one assistant request.
type Session struct {
	UserID   string
	TenantID string
	Role     string
}

// SessionResolver turns the request context into a Session.
// It fails with UNAUTHORIZED when no identity is present and NO_TENANT when
// the caller has no tenant.
type SessionResolver interface {
	Resolve(ctx context.Context) (*Session, error)
}

// TenantDirectory looks up tenant memberships.
type TenantDirectory interface {
	// DefaultTenant returns the user's default tenant, or "" when the user
	// has no membership.
	DefaultTenant(ctx context.Context, userID string) (string, error)
}

// ── Entity context ──────────────────────────────────────────

// ContextResolver loads entity fields for the request context so templates
// can reference them as {{<type>.<field>}}. Implementations return only
// scalar values and must scope lookups to tenantID.
type ContextResolver interface {
	Resolve(ctx context.Context, tenantID string, rc models.RequestContext) (map[string]interface{}, error)
}
