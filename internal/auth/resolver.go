package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/eventdesk/assistant/internal/aierr"
	"github.com/eventdesk/assistant/pkg/contracts"
	"github.com/eventdesk/assistant/pkg/middleware"
)

// Resolver implements contracts.SessionResolver on top of the identity the
// auth middleware stores in the request context.
type Resolver struct {
	directory contracts.TenantDirectory
}

// NewResolver creates a session resolver. directory may be nil, in which
// case identities without a bound tenant resolve to NO_TENANT.
func NewResolver(directory contracts.TenantDirectory) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve returns the caller's session.
func (r *Resolver) Resolve(ctx context.Context) (*contracts.Session, error) {
	identity := middleware.GetIdentity(ctx)
	if identity == nil || identity.Subject == "" {
		return nil, aierr.Unauthorized()
	}

	tenantID := identity.TenantID
	if tenantID == "" && r.directory != nil {
		t, err := r.directory.DefaultTenant(ctx, identity.Subject)
		if err != nil {
			return nil, aierr.Wrap(aierr.CodeNoTenant, "Tenant lookup failed", err)
		}
		tenantID = t
	}
	if tenantID == "" {
		return nil, aierr.NoTenant()
	}

	return &contracts.Session{
		UserID:   identity.Subject,
		TenantID: tenantID,
		Role:     identity.Role,
	}, nil
}

// StaticDirectory is a TenantDirectory backed by a fixed user→tenant map.
type StaticDirectory struct {
	mu      sync.RWMutex
	tenants map[string]string
}

// NewStaticDirectory creates a directory from "user:tenant" entries
// separated by commas. Malformed entries are skipped.
func NewStaticDirectory(spec string) *StaticDirectory {
	d := &StaticDirectory{tenants: make(map[string]string)}
	for _, entry := range strings.Split(spec, ",") {
		user, tenant, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if ok && user != "" && tenant != "" {
			d.tenants[user] = tenant
		}
	}
	return d
}

func (d *StaticDirectory) DefaultTenant(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tenants[userID], nil
}

// SetDefault records userID's default tenant.
func (d *StaticDirectory) SetDefault(userID, tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[userID] = tenantID
}
