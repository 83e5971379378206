// Package contracts defines the interfaces between the assistant pipeline
// and its collaborators: authentication, tenant membership and entity
// context loading.
package contracts

import (
	"context"
	"net/http"
	"time"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents an authenticated caller.
// Produced by an AuthProvider, consumed by the SessionResolver.
type Identity struct {
	// Subject is the user ID.
	Subject string `json:"subject"`

	// TenantID is the tenant the credential is bound to. Empty means the
	// caller's default membership is looked up in the TenantDirectory.
	TenantID string `json:"tenant_id,omitempty"`

	// Role is the event-platform role: "admin", "organizer", "staff", "viewer".
	Role string `json:"role"`

	// Provider identifies which auth provider authenticated this identity.
	// Values: "jwt", "apikey"
	Provider string `json:"provider"`

	Email string `json:"email,omitempty"`

	// ExpiresAt is when the credential expires. Zero for API keys.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	// Name returns the provider identifier (e.g. "jwt", "apikey").
	Name() string

	// Authenticate inspects the request and returns an Identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}

// AuthProviderChain tries providers in priority order until one returns an Identity.
type AuthProviderChain interface {
	// Authenticate walks the chain of providers in order.
	// Returns the first successful Identity, or (nil, nil) if no provider matched.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// RegisterProvider adds a provider to the end of the chain.
	RegisterProvider(provider AuthProvider)
}
