package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eventdesk/assistant/internal/aierr"
	"github.com/eventdesk/assistant/internal/pii"
	"github.com/eventdesk/assistant/internal/router"
	"github.com/eventdesk/assistant/pkg/contracts"
	"github.com/eventdesk/assistant/pkg/models"
)

// Emitter receives the events of a streaming turn in order.
type Emitter interface {
	Emit(ev models.SSEEvent) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev models.SSEEvent) error

func (f EmitterFunc) Emit(ev models.SSEEvent) error { return f(ev) }

// Result is the outcome of a completed turn.
type Result struct {
	Content        string
	ToolCalls      []models.ToolCallInfo
	ConversationID string
	Usage          models.TokenUsage
}

// Turn is a prepared assistant request. It owns the request's PII masker;
// Close releases it. A Turn runs once.
type Turn struct {
	o              *Orchestrator
	requestID      string
	usecase        string
	session        contracts.Session
	template       *models.Template
	conversation   *models.Conversation
	conversationID string
	eventID        string

	userTurn       string
	systemPrompt   string
	maskedUserTurn string
	history        []router.Message

	masker *pii.Masker

	ran       bool
	closeOnce sync.Once
}

// ConversationID is the id reported in the terminal event. It is assigned
// during Prepare for new conversations.
func (t *Turn) ConversationID() string { return t.conversationID }

// Close clears the masking table. Safe to call more than once.
func (t *Turn) Close() {
	t.closeOnce.Do(func() {
		t.masker.Clear()
	})
}

// Stream runs the completion and emits text, tool_call_start and
// tool_call_result events followed by exactly one terminal done or error
// event. The returned error reports a failed run or a failed emit; the
// terminal event has already been emitted unless the emitter itself failed.
func (t *Turn) Stream(ctx context.Context, em Emitter) error {
	if t.ran {
		return errors.New("assistant turn already ran")
	}
	t.ran = true

	ctx, span := t.startSpan(ctx, "assistant.stream")
	defer span.End()

	g := &guard{em: em}
	sink := &streamSink{emit: g.emit, un: pii.NewStreamUnmasker(t.masker)}

	res, err := t.generate(ctx, span, sink)
	if err != nil {
		var ee *emitError
		if errors.As(err, &ee) {
			t.logFailure(StateStreaming, err)
			return err
		}
		e := aierr.As(err)
		t.fail(span, StateStreaming, e)
		return g.terminal(models.SSEEvent{Type: models.EventError, Code: string(e.Code), Message: e.Message})
	}

	t.persist(ctx, span, res)

	span.SetAttributes(attribute.String("assistant.state", string(StateDone)))
	return g.terminal(models.SSEEvent{
		Type:           models.EventDone,
		ConversationID: res.ConversationID,
		Tokens:         res.Usage.Total(),
	})
}

// Complete drains the completion, unmasks the response once and persists
// the turn. Errors are *aierr.Error.
func (t *Turn) Complete(ctx context.Context) (*Result, error) {
	if t.ran {
		return nil, errors.New("assistant turn already ran")
	}
	t.ran = true

	ctx, span := t.startSpan(ctx, "assistant.complete")
	defer span.End()

	res, err := t.generate(ctx, span, discardSink{})
	if err != nil {
		e := aierr.As(err)
		t.fail(span, StateStreaming, e)
		return nil, e
	}
	t.persist(ctx, span, res)
	span.SetAttributes(attribute.String("assistant.state", string(StateDone)))
	return res, nil
}

// ── Generation ──────────────────────────────────────────────

// sink observes a generation. Text is still masked.
type sink interface {
	text(masked string) error
	endRound() error
	toolStart(tool string, args map[string]interface{}) error
	toolResult(tool string, result interface{}) error
}

// generate runs the completion and tool rounds under one deadline. The
// returned Result holds unmasked content and tool calls.
func (t *Turn) generate(ctx context.Context, span trace.Span, s sink) (*Result, error) {
	span.SetAttributes(attribute.String("assistant.state", string(StateStreaming)))

	var cancel context.CancelFunc
	if t.o.streamTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.o.streamTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	messages := make([]router.Message, 0, len(t.history)+1)
	messages = append(messages, t.history...)
	messages = append(messages, router.Message{Role: router.RoleUser, Content: t.maskedUserTurn})

	var specs []router.ToolSpec
	if t.o.deps.Gateway != nil && t.o.maxToolRounds > 0 {
		for _, def := range t.o.deps.Gateway.Definitions(t.session.Role) {
			specs = append(specs, router.ToolSpec{Name: def.Name, Description: def.Description, Parameters: def.Parameters})
		}
	}

	var (
		content strings.Builder
		calls   []models.ToolCallInfo
		usage   models.TokenUsage
	)
	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, aierr.Timeout(err)
		}
		req := router.ChatRequest{
			TenantID:     t.session.TenantID,
			Usecase:      t.usecase,
			Config:       t.template.ModelConfig,
			SystemPrompt: t.systemPrompt,
			Messages:     messages,
		}
		lastRound := round >= t.o.maxToolRounds
		if !lastRound {
			req.Tools = specs
		}

		text, toolCalls, u, err := t.completeOnce(ctx, req, s)
		usage = usage.Add(u)
		if err != nil {
			return nil, err
		}
		content.WriteString(text)
		if len(toolCalls) == 0 {
			break
		}

		messages = append(messages, router.Message{Role: router.RoleAssistant, Content: text, ToolCalls: toolCalls})
		for _, call := range toolCalls {
			info, err := t.runTool(ctx, call, lastRound, s)
			if err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, aierr.Timeout(err)
			}
			calls = append(calls, info)
			messages = append(messages, router.Message{
				Role:       router.RoleTool,
				ToolCallID: call.ID,
				Content:    t.masker.Mask(resultJSON(info.Result)),
			})
		}
		if lastRound {
			break
		}
	}

	return &Result{
		Content:        t.masker.Unmask(content.String()),
		ToolCalls:      calls,
		ConversationID: t.conversationID,
		Usage:          usage,
	}, nil
}

// completeOnce runs one provider stream to EOF. The returned text is masked.
func (t *Turn) completeOnce(ctx context.Context, req router.ChatRequest, s sink) (string, []router.ToolCall, models.TokenUsage, error) {
	cs, err := t.o.deps.Router.StreamChat(ctx, req)
	if err != nil {
		return "", nil, models.TokenUsage{}, err
	}
	defer cs.Close()

	var text strings.Builder
	var calls []router.ToolCall
	for {
		chunk, err := cs.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, models.TokenUsage{}, err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if err := s.text(chunk.Text); err != nil {
				return "", nil, models.TokenUsage{}, err
			}
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
	}
	if err := s.endRound(); err != nil {
		return "", nil, models.TokenUsage{}, err
	}
	usage, err := cs.Usage()
	if err != nil {
		return "", nil, models.TokenUsage{}, err
	}
	return text.String(), calls, usage, nil
}

// runTool dispatches one model tool call through the permission gate.
// Arguments are unmasked before dispatch. Calls past the round limit are
// reported as errors rather than run.
func (t *Turn) runTool(ctx context.Context, call router.ToolCall, overLimit bool, s sink) (models.ToolCallInfo, error) {
	info := models.ToolCallInfo{ID: call.ID, Tool: call.Name, Args: map[string]interface{}{}}

	var argErr error
	if raw := strings.TrimSpace(t.masker.Unmask(string(call.Arguments))); raw != "" {
		if err := json.Unmarshal([]byte(raw), &info.Args); err != nil {
			argErr = fmt.Errorf("invalid arguments: %w", err)
			info.Args = map[string]interface{}{}
		}
	}

	if err := s.toolStart(info.Tool, info.Args); err != nil {
		return info, err
	}

	switch {
	case argErr != nil:
		info.Status = models.ToolCallError
		info.Result = map[string]string{"error": argErr.Error()}
	case overLimit:
		info.Status = models.ToolCallError
		info.Result = map[string]string{"error": "Tool call limit reached for this request"}
	case t.o.deps.Gateway == nil:
		info.Status = models.ToolCallError
		info.Result = map[string]string{"error": fmt.Sprintf("Tool '%s' is not available", info.Tool)}
	default:
		info = t.o.deps.Gateway.Execute(ctx, t.session.Role, info)
	}

	if err := s.toolResult(info.Tool, info.Result); err != nil {
		return info, err
	}
	return info, nil
}

func resultJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"unencodable tool result"}`
	}
	return string(b)
}

// ── Persistence ─────────────────────────────────────────────

// persist appends the new turns. Failures are logged only: the response
// has already been committed.
func (t *Turn) persist(ctx context.Context, span trace.Span, res *Result) {
	span.SetAttributes(attribute.String("assistant.state", string(StatePersisting)))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	turns := []models.ChatMessage{
		{Role: models.RoleUser, Content: t.userTurn, Timestamp: now},
		{Role: models.RoleAssistant, Content: res.Content, ToolCalls: res.ToolCalls, Timestamp: now},
	}
	cfg := t.template.ModelConfig

	var err error
	if t.conversation == nil {
		conv := &models.Conversation{
			ID:                t.conversationID,
			TenantID:          t.session.TenantID,
			UserID:            t.session.UserID,
			EventID:           t.eventID,
			Usecase:           t.usecase,
			ModelProvider:     cfg.Provider,
			ModelName:         cfg.Model,
			Messages:          turns,
			TotalInputTokens:  res.Usage.InputTokens,
			TotalOutputTokens: res.Usage.OutputTokens,
			EstimatedCostJPY:  res.Usage.EstimatedCostJPY,
		}
		err = t.o.deps.Conversations.CreateConversation(ctx, conv)
	} else {
		conv := *t.conversation
		conv.Messages = append(append([]models.ChatMessage(nil), conv.Messages...), turns...)
		conv.ModelProvider = cfg.Provider
		conv.ModelName = cfg.Model
		conv.TotalInputTokens += res.Usage.InputTokens
		conv.TotalOutputTokens += res.Usage.OutputTokens
		conv.EstimatedCostJPY += res.Usage.EstimatedCostJPY
		err = t.o.deps.Conversations.UpdateConversation(ctx, &conv)
	}
	if err != nil {
		span.RecordError(err)
		log.Error().
			Err(err).
			Str("request_id", t.requestID).
			Str("tenant_id", t.session.TenantID).
			Str("usecase", t.usecase).
			Str("conversation_id", t.conversationID).
			Str("code", string(aierr.CodePersistence)).
			Msg("Failed to persist conversation")
	}
}

// ── Helpers ─────────────────────────────────────────────────

func (t *Turn) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("assistant.request_id", t.requestID),
			attribute.String("assistant.tenant_id", t.session.TenantID),
			attribute.String("assistant.usecase", t.usecase),
			attribute.String("assistant.provider", t.template.ModelConfig.Provider),
		),
	)
}

func (t *Turn) fail(span trace.Span, state State, e *aierr.Error) {
	span.SetAttributes(attribute.String("assistant.state", string(StateError)))
	span.RecordError(e)
	span.SetStatus(codes.Error, string(e.Code))
	t.logFailure(state, e)
}

func (t *Turn) logFailure(state State, err error) {
	log.Warn().
		Err(err).
		Str("request_id", t.requestID).
		Str("tenant_id", t.session.TenantID).
		Str("usecase", t.usecase).
		Str("state", string(state)).
		Msg("Assistant turn failed")
}
