package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/eventdesk/assistant/internal/tools"
	"github.com/eventdesk/assistant/pkg/contracts"
)

// APIKeyBinding is the identity an API key authenticates as.
type APIKeyBinding struct {
	UserID   string
	TenantID string
	Role     string
}

// APIKeyProvider validates keys from the X-API-Key header.
type APIKeyProvider struct {
	mu   sync.RWMutex
	keys map[string]APIKeyBinding
}

// NewAPIKeyProvider creates a provider for the given bindings.
func NewAPIKeyProvider(keys map[string]APIKeyBinding) *APIKeyProvider {
	p := &APIKeyProvider{keys: make(map[string]APIKeyBinding, len(keys))}
	for k, b := range keys {
		p.keys[k] = b
	}
	return p
}

// ParseAPIKeys parses "key=user:tenant:role" entries separated by commas.
// Tenant may be empty; role defaults to viewer.
func ParseAPIKeys(spec string) (map[string]APIKeyBinding, error) {
	keys := make(map[string]APIKeyBinding)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, rest, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("api key entry %q: want key=user:tenant:role", entry)
		}
		parts := strings.Split(rest, ":")
		if len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("api key entry for %q: want key=user:tenant:role", key)
		}
		b := APIKeyBinding{UserID: parts[0], Role: tools.RoleViewer}
		if len(parts) > 1 {
			b.TenantID = parts[1]
		}
		if len(parts) > 2 && parts[2] != "" {
			b.Role = parts[2]
		}
		keys[key] = b
	}
	return keys, nil
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) > 0
}

// Authenticate validates the API key and returns its bound Identity.
// Returns (nil, nil) if no API key is present.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		return nil, nil
	}

	b, ok := p.lookup(apiKey)
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}
	return &contracts.Identity{
		Subject:  b.UserID,
		TenantID: b.TenantID,
		Role:     b.Role,
		Provider: "apikey",
	}, nil
}

func (p *APIKeyProvider) lookup(candidate string) (APIKeyBinding, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var found APIKeyBinding
	ok := false
	for key, b := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			found, ok = b, true
		}
	}
	return found, ok
}

// AddKey adds a new API key at runtime.
func (p *APIKeyProvider) AddKey(key string, b APIKeyBinding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[key] = b
}

// RemoveKey removes an API key at runtime.
func (p *APIKeyProvider) RemoveKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, key)
}
