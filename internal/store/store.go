// Package store provides persistence for prompt templates and conversations.
// The in-memory implementation backs tests and local development; the
// PostgreSQL implementation backs production.
package store

import (
	"context"
	"time"

	"github.com/eventdesk/assistant/pkg/models"
)

// Store is the storage interface used by the assistant.
type Store interface {
	TemplateStore
	ConversationStore
	RetentionStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema if needed.
	Migrate(ctx context.Context) error
}

// TemplateStore resolves prompt templates by usecase.
type TemplateStore interface {
	// GetActiveTemplate returns the active template for usecase visible to
	// tenantID. A tenant-specific template wins over a system-wide one;
	// among equals the most recently updated wins.
	GetActiveTemplate(ctx context.Context, tenantID, usecase string) (*models.Template, error)

	// UpsertTemplate creates or replaces a template by ID. An empty ID is
	// assigned.
	UpsertTemplate(ctx context.Context, t *models.Template) error

	// ListTemplates returns the templates visible to tenantID (its own and
	// system-wide), active or not.
	ListTemplates(ctx context.Context, tenantID string) ([]models.Template, error)
}

// ConversationStore persists conversations. Every lookup is scoped to a
// tenant; a conversation of another tenant is reported as not found.
// Updates are last-write-wins.
type ConversationStore interface {
	GetConversation(ctx context.Context, tenantID, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, c *models.Conversation) error
	UpdateConversation(ctx context.Context, c *models.Conversation) error
}

// RetentionStore supports the retention janitor. Expiry is judged on
// UpdatedAt across all tenants.
type RetentionStore interface {
	// ListExpiredConversations returns up to limit conversations last
	// updated before cutoff, oldest first.
	ListExpiredConversations(ctx context.Context, cutoff time.Time, limit int) ([]models.Conversation, error)

	// DeleteConversations removes the given conversations and returns how
	// many existed.
	DeleteConversations(ctx context.Context, ids []string) (int, error)
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// better reports whether candidate should be preferred over current for
// tenant-scoped template resolution.
func better(candidate, current *models.Template) bool {
	if current == nil {
		return true
	}
	if candidate.IsSystem() != current.IsSystem() {
		return !candidate.IsSystem()
	}
	if !candidate.UpdatedAt.Equal(current.UpdatedAt) {
		return candidate.UpdatedAt.After(current.UpdatedAt)
	}
	return candidate.ID < current.ID
}
