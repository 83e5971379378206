package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eventdesk/assistant/internal/store"
	"github.com/eventdesk/assistant/pkg/models"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

// ─── Templates ───────────────────────────────────────────────

func TestGetActiveTemplate_TenantOverridesSystem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	templates := []*models.Template{
		{ID: "sys", Usecase: "event-summary", SystemPrompt: "system", IsActive: true, UpdatedAt: base.Add(time.Hour)},
		{ID: "a-old", TenantID: strPtr("tenant-a"), Usecase: "event-summary", SystemPrompt: "a-old", IsActive: true, UpdatedAt: base},
		{ID: "a-new", TenantID: strPtr("tenant-a"), Usecase: "event-summary", SystemPrompt: "a-new", IsActive: true, UpdatedAt: base.Add(time.Minute)},
		{ID: "a-off", TenantID: strPtr("tenant-a"), Usecase: "event-summary", SystemPrompt: "a-off", IsActive: false, UpdatedAt: base.Add(2 * time.Hour)},
		{ID: "b", TenantID: strPtr("tenant-b"), Usecase: "event-summary", SystemPrompt: "b", IsActive: true, UpdatedAt: base.Add(3 * time.Hour)},
	}
	for _, tpl := range templates {
		if err := s.UpsertTemplate(ctx, tpl); err != nil {
			t.Fatalf("UpsertTemplate(%s) error = %v", tpl.ID, err)
		}
	}

	got, err := s.GetActiveTemplate(ctx, "tenant-a", "event-summary")
	if err != nil {
		t.Fatalf("GetActiveTemplate() error = %v", err)
	}
	if got.ID != "a-new" {
		t.Errorf("GetActiveTemplate(tenant-a).ID = %q, want %q", got.ID, "a-new")
	}

	got, err = s.GetActiveTemplate(ctx, "tenant-c", "event-summary")
	if err != nil {
		t.Fatalf("GetActiveTemplate() error = %v", err)
	}
	if got.ID != "sys" {
		t.Errorf("GetActiveTemplate(tenant-c).ID = %q, want %q", got.ID, "sys")
	}
}

func TestGetActiveTemplate_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetActiveTemplate(context.Background(), "tenant-a", "missing")

	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetActiveTemplate() error = %v, want ErrNotFound", err)
	}
	if nf.Entity != "template" {
		t.Errorf("ErrNotFound.Entity = %q, want %q", nf.Entity, "template")
	}
}

func TestUpsertTemplate_AssignsIDAndCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := &models.Template{
		Usecase:  "draft-email",
		IsActive: true,
		VariableSchema: models.VariableSchema{
			"event": {Required: []string{"title"}},
		},
	}
	if err := s.UpsertTemplate(ctx, tpl); err != nil {
		t.Fatalf("UpsertTemplate() error = %v", err)
	}
	if tpl.ID == "" {
		t.Fatal("UpsertTemplate() did not assign an ID")
	}

	tpl.VariableSchema["event"] = models.NamespaceSchema{}
	got, _ := s.GetActiveTemplate(ctx, "any", "draft-email")
	if len(got.VariableSchema["event"].Required) != 1 {
		t.Error("store shares the caller's schema map")
	}

	if err := s.UpsertTemplate(ctx, &models.Template{}); err == nil {
		t.Error("UpsertTemplate() without usecase should fail")
	}

	list, _ := s.ListTemplates(ctx, "any")
	if len(list) != 1 {
		t.Errorf("ListTemplates() = %d templates, want 1", len(list))
	}
}

// ─── Conversations ───────────────────────────────────────────

func TestUpsertTemplate_EmptyTenantIsSystemWide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := &models.Template{
		TenantID: strPtr(""), Usecase: "chat", SystemPrompt: "sys", IsActive: true,
		ModelConfig: models.ModelConfig{Provider: "openai", Model: "gpt-4o"},
	}
	if err := s.UpsertTemplate(ctx, tpl); err != nil {
		t.Fatalf("UpsertTemplate() error = %v", err)
	}
	if tpl.TenantID != nil {
		t.Errorf("TenantID = %q, want nil", *tpl.TenantID)
	}

	got, err := s.GetActiveTemplate(ctx, "tenant-a", "chat")
	if err != nil {
		t.Fatalf("GetActiveTemplate() error = %v", err)
	}
	if got.TenantID != nil || !got.IsSystem() {
		t.Errorf("got tenant %v, want a system-wide template", got.TenantID)
	}
}

func TestConversation_CreateGetUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{
		TenantID: "tenant-a",
		UserID:   "user-1",
		Usecase:  "event-summary",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if conv.ID == "" {
		t.Fatal("CreateConversation() did not assign an ID")
	}
	if err := s.CreateConversation(ctx, conv); err == nil {
		t.Error("CreateConversation() duplicate should fail")
	}

	got, err := s.GetConversation(ctx, "tenant-a", conv.ID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	got.Messages = append(got.Messages, models.ChatMessage{Role: models.RoleAssistant, Content: "hello"})
	got.TotalOutputTokens = 5
	if err := s.UpdateConversation(ctx, got); err != nil {
		t.Fatalf("UpdateConversation() error = %v", err)
	}

	again, _ := s.GetConversation(ctx, "tenant-a", conv.ID)
	if len(again.Messages) != 2 {
		t.Errorf("len(Messages) = %d, want 2", len(again.Messages))
	}
	if again.TotalOutputTokens != 5 {
		t.Errorf("TotalOutputTokens = %d, want 5", again.TotalOutputTokens)
	}
}

func TestConversation_TenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{ID: "conv-1", TenantID: "tenant-a", UserID: "u", Usecase: "x"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	var nf *store.ErrNotFound
	if _, err := s.GetConversation(ctx, "tenant-b", "conv-1"); !errors.As(err, &nf) {
		t.Errorf("GetConversation() from other tenant error = %v, want ErrNotFound", err)
	}

	foreign := &models.Conversation{ID: "conv-1", TenantID: "tenant-b", Messages: []models.ChatMessage{{Content: "overwrite"}}}
	if err := s.UpdateConversation(ctx, foreign); !errors.As(err, &nf) {
		t.Errorf("UpdateConversation() from other tenant error = %v, want ErrNotFound", err)
	}

	got, _ := s.GetConversation(ctx, "tenant-a", "conv-1")
	if len(got.Messages) != 0 {
		t.Error("foreign update modified the conversation")
	}
}

func TestConversation_LastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, &models.Conversation{ID: "c", TenantID: "t"}); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	first, _ := s.GetConversation(ctx, "t", "c")
	second, _ := s.GetConversation(ctx, "t", "c")

	first.Messages = append(first.Messages, models.ChatMessage{Content: "first"})
	second.Messages = append(second.Messages, models.ChatMessage{Content: "second"})
	s.UpdateConversation(ctx, first)
	s.UpdateConversation(ctx, second)

	got, _ := s.GetConversation(ctx, "t", "c")
	if len(got.Messages) != 1 || got.Messages[0].Content != "second" {
		t.Errorf("Messages = %+v, want only the second write", got.Messages)
	}
}

func TestRetention_ListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"old", "older"} {
		if err := s.CreateConversation(ctx, &models.Conversation{ID: id, TenantID: "t"}); err != nil {
			t.Fatalf("CreateConversation() error = %v", err)
		}
	}

	expired, err := s.ListExpiredConversations(ctx, time.Now().Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("ListExpiredConversations() error = %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("len(expired) = %d, want 0 for a past cutoff", len(expired))
	}

	expired, err = s.ListExpiredConversations(ctx, time.Now().Add(time.Hour), 1)
	if err != nil {
		t.Fatalf("ListExpiredConversations() error = %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("len(expired) = %d, want limit 1", len(expired))
	}

	n, err := s.DeleteConversations(ctx, []string{"old", "older", "missing"})
	if err != nil {
		t.Fatalf("DeleteConversations() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteConversations() = %d, want 2", n)
	}
	var nf *store.ErrNotFound
	if _, err := s.GetConversation(ctx, "t", "old"); !errors.As(err, &nf) {
		t.Errorf("GetConversation() after delete error = %v, want ErrNotFound", err)
	}
}
