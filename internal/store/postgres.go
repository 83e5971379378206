package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/eventdesk/assistant/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL. maxConns <= 0 keeps the pgx
// default.
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	log.Info().Int32("max_conns", cfg.MaxConns).Msg("PostgreSQL pool created")
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS ai_prompt_templates (
    id                   TEXT PRIMARY KEY,
    tenant_id            TEXT,
    usecase              TEXT NOT NULL,
    system_prompt        TEXT NOT NULL,
    user_prompt_template TEXT NOT NULL DEFAULT '',
    variable_schema      JSONB NOT NULL DEFAULT '{}',
    model_config         JSONB NOT NULL,
    is_active            BOOLEAN NOT NULL DEFAULT TRUE,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ai_prompt_templates_usecase
    ON ai_prompt_templates (usecase, tenant_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS ai_conversations (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    user_id             TEXT NOT NULL,
    event_id            TEXT,
    usecase             TEXT NOT NULL,
    model_provider      TEXT NOT NULL,
    model_name          TEXT NOT NULL,
    messages            JSONB NOT NULL DEFAULT '[]',
    total_input_tokens  BIGINT NOT NULL DEFAULT 0,
    total_output_tokens BIGINT NOT NULL DEFAULT 0,
    estimated_cost_jpy  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ai_conversations_tenant_user
    ON ai_conversations (tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_ai_conversations_updated_at
    ON ai_conversations (updated_at);
`

// Migrate creates the tables and indexes if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ── Templates ───────────────────────────────────────────────

const templateColumns = `id, tenant_id, usecase, system_prompt, user_prompt_template,
    variable_schema, model_config, is_active, created_at, updated_at`

func (p *PostgresStore) GetActiveTemplate(ctx context.Context, tenantID, usecase string) (*models.Template, error) {
	query := `
        SELECT ` + templateColumns + `
        FROM ai_prompt_templates
        WHERE usecase = $1 AND is_active AND (tenant_id = $2 OR tenant_id IS NULL)
        ORDER BY (tenant_id IS NOT NULL) DESC, updated_at DESC, id
        LIMIT 1
    `
	t, err := scanTemplate(p.pool.QueryRow(ctx, query, usecase, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "template", Key: usecase}
	}
	if err != nil {
		return nil, fmt.Errorf("get active template: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) UpsertTemplate(ctx context.Context, t *models.Template) error {
	if t.Usecase == "" {
		return fmt.Errorf("template usecase is required")
	}
	if t.TenantID != nil && *t.TenantID == "" {
		t.TenantID = nil
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	schemaJSON, err := json.Marshal(t.VariableSchema)
	if err != nil {
		return fmt.Errorf("marshal variable schema: %w", err)
	}
	if t.VariableSchema == nil {
		schemaJSON = []byte("{}")
	}
	configJSON, err := json.Marshal(t.ModelConfig)
	if err != nil {
		return fmt.Errorf("marshal model config: %w", err)
	}

	query := `
        INSERT INTO ai_prompt_templates (` + templateColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            tenant_id = EXCLUDED.tenant_id,
            usecase = EXCLUDED.usecase,
            system_prompt = EXCLUDED.system_prompt,
            user_prompt_template = EXCLUDED.user_prompt_template,
            variable_schema = EXCLUDED.variable_schema,
            model_config = EXCLUDED.model_config,
            is_active = EXCLUDED.is_active,
            updated_at = EXCLUDED.updated_at
    `
	_, err = p.pool.Exec(ctx, query,
		t.ID,
		t.TenantID,
		t.Usecase,
		t.SystemPrompt,
		t.UserPromptTemplate,
		json.RawMessage(schemaJSON),
		json.RawMessage(configJSON),
		t.IsActive,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListTemplates(ctx context.Context, tenantID string) ([]models.Template, error) {
	query := `
        SELECT ` + templateColumns + `
        FROM ai_prompt_templates
        WHERE tenant_id = $1 OR tenant_id IS NULL
        ORDER BY usecase, id
    `
	rows, err := p.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	result := make([]models.Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func scanTemplate(row pgx.Row) (*models.Template, error) {
	var t models.Template
	var schemaJSON, configJSON []byte
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.Usecase,
		&t.SystemPrompt,
		&t.UserPromptTemplate,
		&schemaJSON,
		&configJSON,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(schemaJSON, &t.VariableSchema); err != nil {
		return nil, fmt.Errorf("decode variable schema: %w", err)
	}
	if err := json.Unmarshal(configJSON, &t.ModelConfig); err != nil {
		return nil, fmt.Errorf("decode model config: %w", err)
	}
	return &t, nil
}

// ── Conversations ───────────────────────────────────────────

const conversationColumns = `id, tenant_id, user_id, event_id, usecase, model_provider, model_name, messages,
               total_input_tokens, total_output_tokens, estimated_cost_jpy, created_at, updated_at`

func (p *PostgresStore) GetConversation(ctx context.Context, tenantID, id string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
        FROM ai_conversations
        WHERE id = $1 AND tenant_id = $2
    `
	c, err := scanConversation(p.pool.QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	var eventID *string
	var messagesJSON []byte
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.UserID,
		&eventID,
		&c.Usecase,
		&c.ModelProvider,
		&c.ModelName,
		&messagesJSON,
		&c.TotalInputTokens,
		&c.TotalOutputTokens,
		&c.EstimatedCostJPY,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if eventID != nil {
		c.EventID = *eventID
	}
	if err := json.Unmarshal(messagesJSON, &c.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return &c, nil
}

func (p *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	messagesJSON, err := marshalMessages(c.Messages)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO ai_conversations (id, tenant_id, user_id, event_id, usecase, model_provider, model_name,
            messages, total_input_tokens, total_output_tokens, estimated_cost_jpy, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `
	_, err = p.pool.Exec(ctx, query,
		c.ID,
		c.TenantID,
		c.UserID,
		nullable(c.EventID),
		c.Usecase,
		c.ModelProvider,
		c.ModelName,
		messagesJSON,
		c.TotalInputTokens,
		c.TotalOutputTokens,
		c.EstimatedCostJPY,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateConversation(ctx context.Context, c *models.Conversation) error {
	c.UpdatedAt = time.Now().UTC()

	messagesJSON, err := marshalMessages(c.Messages)
	if err != nil {
		return err
	}

	query := `
        UPDATE ai_conversations
        SET messages = $3, model_provider = $4, model_name = $5,
            total_input_tokens = $6, total_output_tokens = $7, estimated_cost_jpy = $8, updated_at = $9
        WHERE id = $1 AND tenant_id = $2
    `
	tag, err := p.pool.Exec(ctx, query,
		c.ID,
		c.TenantID,
		messagesJSON,
		c.ModelProvider,
		c.ModelName,
		c.TotalInputTokens,
		c.TotalOutputTokens,
		c.EstimatedCostJPY,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "conversation", Key: c.ID}
	}
	return nil
}

// ── Retention ───────────────────────────────────────────────

func (p *PostgresStore) ListExpiredConversations(ctx context.Context, cutoff time.Time, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + conversationColumns + `
        FROM ai_conversations
        WHERE updated_at < $1
        ORDER BY updated_at
        LIMIT $2
    `
	rows, err := p.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteConversations(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM ai_conversations WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete conversations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func marshalMessages(msgs []models.ChatMessage) (json.RawMessage, error) {
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
