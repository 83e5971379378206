package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventdesk/assistant/pkg/models"
)

// MemoryStore implements Store with in-memory maps. Values are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	templates     map[string]*models.Template     // key: id
	conversations map[string]*models.Conversation // key: id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:     make(map[string]*models.Template),
		conversations: make(map[string]*models.Conversation),
	}
}

func (m *MemoryStore) Ping(_ context.Context) error    { return nil }
func (m *MemoryStore) Close() error                    { return nil }
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Templates ───────────────────────────────────────────────

func (m *MemoryStore) GetActiveTemplate(_ context.Context, tenantID, usecase string) (*models.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *models.Template
	for _, t := range m.templates {
		if !t.IsActive || t.Usecase != usecase {
			continue
		}
		if !t.IsSystem() && *t.TenantID != tenantID {
			continue
		}
		if better(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, &ErrNotFound{Entity: "template", Key: usecase}
	}
	return cloneTemplate(best), nil
}

func (m *MemoryStore) UpsertTemplate(_ context.Context, t *models.Template) error {
	if t.Usecase == "" {
		return fmt.Errorf("template usecase is required")
	}
	if t.TenantID != nil && *t.TenantID == "" {
		t.TenantID = nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if existing, ok := m.templates[t.ID]; ok && t.CreatedAt.IsZero() {
		t.CreatedAt = existing.CreatedAt
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	m.templates[t.ID] = cloneTemplate(t)
	return nil
}

func (m *MemoryStore) ListTemplates(_ context.Context, tenantID string) ([]models.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.Template, 0)
	for _, t := range m.templates {
		if t.IsSystem() || *t.TenantID == tenantID {
			result = append(result, *cloneTemplate(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Usecase != result[j].Usecase {
			return result[i].Usecase < result[j].Usecase
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ── Conversations ───────────────────────────────────────────

func (m *MemoryStore) GetConversation(_ context.Context, tenantID, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok || c.TenantID != tenantID {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	return cloneConversation(c), nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, c *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if _, exists := m.conversations[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (m *MemoryStore) UpdateConversation(_ context.Context, c *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[c.ID]
	if !ok || existing.TenantID != c.TenantID {
		return &ErrNotFound{Entity: "conversation", Key: c.ID}
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	m.conversations[c.ID] = cloneConversation(c)
	return nil
}

// ── Retention ───────────────────────────────────────────────

func (m *MemoryStore) ListExpiredConversations(_ context.Context, cutoff time.Time, limit int) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Conversation
	for _, c := range m.conversations {
		if c.UpdatedAt.Before(cutoff) {
			out = append(out, *cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteConversations(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := m.conversations[id]; ok {
			delete(m.conversations, id)
			n++
		}
	}
	return n, nil
}

// ── Copy helpers ────────────────────────────────────────────

func cloneTemplate(t *models.Template) *models.Template {
	out := *t
	if t.TenantID != nil {
		id := *t.TenantID
		out.TenantID = &id
	}
	if t.VariableSchema != nil {
		out.VariableSchema = make(models.VariableSchema, len(t.VariableSchema))
		for k, ns := range t.VariableSchema {
			cp := models.NamespaceSchema{Required: append([]string(nil), ns.Required...)}
			if ns.Fields != nil {
				cp.Fields = make(map[string]models.FieldSpec, len(ns.Fields))
				for f, spec := range ns.Fields {
					cp.Fields[f] = spec
				}
			}
			out.VariableSchema[k] = cp
		}
	}
	return &out
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Messages = make([]models.ChatMessage, len(c.Messages))
	for i, msg := range c.Messages {
		out.Messages[i] = msg
		if msg.ToolCalls != nil {
			out.Messages[i].ToolCalls = append([]models.ToolCallInfo(nil), msg.ToolCalls...)
		}
	}
	return &out
}
