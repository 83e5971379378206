// Package models defines the core domain types for the assistant service.
package models

import (
	"encoding/json"
	"time"
)

// ── Templates ────────────────────────────────────────────────

// FieldType is the declared runtime type of a template variable.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
)

// FieldSpec declares one variable inside a namespace.
type FieldSpec struct {
	Type    FieldType   `json:"type" yaml:"type"`
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// NamespaceSchema declares the variables of one namespace (e.g. "event").
type NamespaceSchema struct {
	Required []string             `json:"required,omitempty" yaml:"required,omitempty"`
	Fields   map[string]FieldSpec `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// VariableSchema maps namespace → declared fields.
type VariableSchema map[string]NamespaceSchema

// ModelConfig selects the provider and model for a template.
type ModelConfig struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// Template is a tenant- or system-scoped prompt definition.
// A nil TenantID means the template is available to every tenant.
type Template struct {
	ID                 string         `json:"id" yaml:"id" db:"id"`
	TenantID           *string        `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty" db:"tenant_id"`
	Usecase            string         `json:"usecase" yaml:"usecase" db:"usecase"`
	SystemPrompt       string         `json:"system_prompt" yaml:"system_prompt" db:"system_prompt"`
	UserPromptTemplate string         `json:"user_prompt_template" yaml:"user_prompt_template" db:"user_prompt_template"`
	VariableSchema     VariableSchema `json:"variable_schema,omitempty" yaml:"variable_schema,omitempty" db:"variable_schema"`
	ModelConfig        ModelConfig    `json:"model_config" yaml:"model_config" db:"model_config"`
	IsActive           bool           `json:"is_active" yaml:"is_active" db:"is_active"`
	CreatedAt          time.Time      `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" yaml:"-" db:"updated_at"`
}

// IsSystem reports whether the template is system-wide.
func (t *Template) IsSystem() bool {
	return t.TenantID == nil || *t.TenantID == ""
}

// ── Conversations ────────────────────────────────────────────

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one persisted conversation turn. Content is always stored
// unmasked.
type ChatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []ToolCallInfo `json:"tool_calls,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Conversation is the append-only history of one assistant thread.
type Conversation struct {
	ID                string        `json:"id" db:"id"`
	TenantID          string        `json:"tenant_id" db:"tenant_id"`
	UserID            string        `json:"user_id" db:"user_id"`
	EventID           string        `json:"event_id,omitempty" db:"event_id"`
	Usecase           string        `json:"usecase" db:"usecase"`
	ModelProvider     string        `json:"model_provider" db:"model_provider"`
	ModelName         string        `json:"model_name" db:"model_name"`
	Messages          []ChatMessage `json:"messages" db:"messages"`
	TotalInputTokens  int64         `json:"total_input_tokens" db:"total_input_tokens"`
	TotalOutputTokens int64         `json:"total_output_tokens" db:"total_output_tokens"`
	EstimatedCostJPY  float64       `json:"estimated_cost_jpy" db:"estimated_cost_jpy"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// TokenUsage is the usage and cost of one completion.
type TokenUsage struct {
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	EstimatedCostJPY float64 `json:"estimatedCostJpy"`
}

// Total returns input + output tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add returns the sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		EstimatedCostJPY: u.EstimatedCostJPY + other.EstimatedCostJPY,
	}
}

// CostSummary aggregates estimated spend for a tenant.
type CostSummary struct {
	TotalCostJPY float64            `json:"total_cost_jpy"`
	TotalTokens  int64              `json:"total_tokens"`
	Requests     int64              `json:"requests"`
	ByModel      map[string]float64 `json:"by_model"`
	ByUsecase    map[string]float64 `json:"by_usecase"`
}

// ── Tool Calls ───────────────────────────────────────────────

// ToolCallStatus is the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCallInfo describes a model-invoked tool call inside an assistant turn.
type ToolCallInfo struct {
	ID     string                 `json:"id,omitempty"`
	Tool   string                 `json:"tool"`
	Args   map[string]interface{} `json:"args"`
	Result interface{}            `json:"result,omitempty"`
	Status ToolCallStatus         `json:"status"`
}

// ── Requests ─────────────────────────────────────────────────

// ContextType is the closed set of entities an assistant request can refer to.
type ContextType string

const (
	ContextEvent       ContextType = "event"
	ContextVenue       ContextType = "venue"
	ContextSpeaker     ContextType = "speaker"
	ContextParticipant ContextType = "participant"
	ContextTask        ContextType = "task"
	ContextReport      ContextType = "report"
)

// Valid reports whether t is one of the known context types.
func (t ContextType) Valid() bool {
	switch t {
	case ContextEvent, ContextVenue, ContextSpeaker, ContextParticipant, ContextTask, ContextReport:
		return true
	}
	return false
}

// RequestContext points the assistant at an entity.
type RequestContext struct {
	Type     ContextType            `json:"type"`
	ID       string                 `json:"id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AssistRequest is the usecase-agnostic request body of the AI endpoints.
type AssistRequest struct {
	ConversationID string                            `json:"conversation_id,omitempty"`
	Message        string                            `json:"message"`
	Context        *RequestContext                   `json:"context,omitempty"`
	Variables      map[string]map[string]interface{} `json:"variables,omitempty"`
	Stream         bool                              `json:"stream,omitempty"`
}

// AssistResponse is the non-streaming response body.
type AssistResponse struct {
	Content        string         `json:"content"`
	ToolCalls      []ToolCallInfo `json:"toolCalls,omitempty"`
	ConversationID string         `json:"conversationId"`
	Usage          TokenUsage     `json:"usage"`
}

// ── Wire Events ──────────────────────────────────────────────

// EventType discriminates SSE frames.
type EventType string

const (
	EventText           EventType = "text"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallResult EventType = "tool_call_result"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// SSEEvent is one frame of the assistant stream.
type SSEEvent struct {
	Type           EventType
	Content        string
	Tool           string
	Args           map[string]interface{}
	Result         interface{}
	Code           string
	Message        string
	ConversationID string
	Tokens         int64
}

// Terminal reports whether the event closes the stream.
func (e SSEEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// MarshalJSON renders only the fields that belong to the event type.
func (e SSEEvent) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventText:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Content})
	case EventToolCallStart:
		args := e.Args
		if args == nil {
			args = map[string]interface{}{}
		}
		return json.Marshal(struct {
			Type EventType              `json:"type"`
			Tool string                 `json:"tool"`
			Args map[string]interface{} `json:"args"`
		}{e.Type, e.Tool, args})
	case EventToolCallResult:
		return json.Marshal(struct {
			Type   EventType   `json:"type"`
			Tool   string      `json:"tool"`
			Result interface{} `json:"result"`
		}{e.Type, e.Tool, e.Result})
	case EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Code    string    `json:"code"`
			Message string    `json:"message"`
		}{e.Type, e.Code, e.Message})
	case EventDone:
		return json.Marshal(struct {
			Type           EventType `json:"type"`
			ConversationID string    `json:"conversation_id"`
			Tokens         int64     `json:"tokens"`
		}{e.Type, e.ConversationID, e.Tokens})
	}
	return json.Marshal(struct {
		Type EventType `json:"type"`
	}{e.Type})
}
