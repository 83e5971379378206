// Package assistant runs one AI-assistant request from session resolution
// to the terminal event.
//
// A request is split in two phases. Prepare runs every step that may still
// fail with an ordinary HTTP error (session, tenant, request shape, rate
// limit, template, conversation, variables, masking). The returned Turn then
// either streams events to an Emitter or completes in one piece; failures
// from that point on are reported as the single terminal error event.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eventdesk/assistant/internal/aierr"
	"github.com/eventdesk/assistant/internal/pii"
	"github.com/eventdesk/assistant/internal/prompt"
	"github.com/eventdesk/assistant/internal/ratelimit"
	"github.com/eventdesk/assistant/internal/router"
	"github.com/eventdesk/assistant/internal/store"
	"github.com/eventdesk/assistant/internal/tools"
	"github.com/eventdesk/assistant/pkg/contracts"
	"github.com/eventdesk/assistant/pkg/middleware"
	"github.com/eventdesk/assistant/pkg/models"
)

var tracer = otel.Tracer("eventdesk-assistant/assistant")

// State is a step of the request lifecycle.
type State string

const (
	StateAuthenticating      State = "AUTHENTICATING"
	StateResolvingTenant     State = "RESOLVING_TENANT"
	StateLoadingTemplate     State = "LOADING_TEMPLATE"
	StateValidatingVariables State = "VALIDATING_VARIABLES"
	StateMasking             State = "MASKING"
	StateStreaming           State = "STREAMING"
	StatePersisting          State = "PERSISTING"
	StateDone                State = "DONE"
	StateError               State = "ERROR"
)

const (
	MaxMessageLength     = 4000
	DefaultMaxToolRounds = 3
)

// Deps are the collaborators of the orchestrator. Gateway and Contexts are
// optional.
type Deps struct {
	Sessions      contracts.SessionResolver
	Templates     store.TemplateStore
	Conversations store.ConversationStore
	Limiter       ratelimit.Limiter
	Router        *router.ModelRouter
	Gateway       *tools.Gateway
	Contexts      contracts.ContextResolver
}

// Orchestrator prepares assistant turns.
type Orchestrator struct {
	deps          Deps
	maxToolRounds int
	streamTimeout time.Duration
	timeoutSet    bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxToolRounds bounds how many follow-up completions a turn may make
// to feed tool results back to the model. 0 disables tools.
func WithMaxToolRounds(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxToolRounds = n
		}
	}
}

// WithStreamTimeout bounds the whole streaming phase of a turn: every
// provider round and every tool call. It defaults to the router's stream
// timeout; 0 disables the bound.
func WithStreamTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.streamTimeout = d
		o.timeoutSet = true
	}
}

// New creates an orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{deps: deps, maxToolRounds: DefaultMaxToolRounds}
	for _, opt := range opts {
		opt(o)
	}
	if !o.timeoutSet && deps.Router != nil {
		o.streamTimeout = deps.Router.StreamTimeout()
	}
	return o
}

// Prepare runs the synchronous part of a request. Every error is an
// *aierr.Error. The caller must Close the returned Turn.
func (o *Orchestrator) Prepare(ctx context.Context, usecase string, req models.AssistRequest) (*Turn, error) {
	requestID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "assistant.prepare",
		trace.WithAttributes(
			attribute.String("assistant.usecase", usecase),
			attribute.String("assistant.request_id", requestID),
		),
	)
	defer span.End()

	fail := func(state State, err error) (*Turn, error) {
		e := aierr.As(err)
		span.SetAttributes(attribute.String("assistant.state", string(StateError)))
		span.RecordError(e)
		log.Warn().
			Str("request_id", requestID).
			Str("usecase", usecase).
			Str("state", string(state)).
			Str("code", string(e.Code)).
			Msg("Assistant request rejected")
		return nil, e
	}

	// AUTHENTICATING + RESOLVING_TENANT
	span.SetAttributes(attribute.String("assistant.state", string(StateAuthenticating)))
	session, err := o.deps.Sessions.Resolve(ctx)
	if err != nil {
		state := StateAuthenticating
		if aierr.IsCode(err, aierr.CodeNoTenant) {
			state = StateResolvingTenant
		}
		return fail(state, err)
	}
	span.SetAttributes(attribute.String("assistant.tenant_id", session.TenantID))

	if err := validateRequest(usecase, req); err != nil {
		return fail(StateResolvingTenant, err)
	}

	ip := middleware.GetClientIP(ctx)
	if err := ratelimit.CheckRateLimit(ctx, o.deps.Limiter, session.TenantID, session.UserID, ip); err != nil {
		return fail(StateResolvingTenant, err)
	}

	// LOADING_TEMPLATE
	span.SetAttributes(attribute.String("assistant.state", string(StateLoadingTemplate)))
	tpl, err := o.deps.Templates.GetActiveTemplate(ctx, session.TenantID, usecase)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return fail(StateLoadingTemplate, aierr.TemplateNotFound(usecase))
		}
		return fail(StateLoadingTemplate, fmt.Errorf("load template: %w", err))
	}

	var conv *models.Conversation
	if req.ConversationID != "" {
		conv, err = o.deps.Conversations.GetConversation(ctx, session.TenantID, req.ConversationID)
		if err != nil {
			var nf *store.ErrNotFound
			if errors.As(err, &nf) {
				return fail(StateLoadingTemplate, aierr.ConversationNotFound(req.ConversationID))
			}
			return fail(StateLoadingTemplate, fmt.Errorf("load conversation: %w", err))
		}
	}

	// VALIDATING_VARIABLES
	span.SetAttributes(attribute.String("assistant.state", string(StateValidatingVariables)))
	vars, err := o.buildVariables(ctx, session, req)
	if err != nil {
		return fail(StateValidatingVariables, err)
	}
	vars, err = prompt.ValidateVariables(tpl.VariableSchema, vars)
	if err != nil {
		return fail(StateValidatingVariables, promptError(err))
	}
	systemPrompt, err := prompt.RenderPrompt(tpl.SystemPrompt, vars)
	if err != nil {
		return fail(StateValidatingVariables, promptError(err))
	}
	userTurn := req.Message
	if tpl.UserPromptTemplate != "" {
		userTurn, err = prompt.RenderPrompt(tpl.UserPromptTemplate, vars)
		if err != nil {
			return fail(StateValidatingVariables, promptError(err))
		}
	}

	// MASKING: only the new turn; history is reused as persisted.
	span.SetAttributes(attribute.String("assistant.state", string(StateMasking)))
	masker := pii.NewMasker()

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	t := &Turn{
		o:              o,
		requestID:      requestID,
		usecase:        usecase,
		session:        *session,
		template:       tpl,
		conversation:   conv,
		conversationID: conversationID,
		eventID:        contextEventID(req.Context),
		userTurn:       userTurn,
		masker:         masker,
		systemPrompt:   masker.Mask(systemPrompt),
		maskedUserTurn: masker.Mask(userTurn),
	}
	if conv != nil {
		t.history = historyMessages(conv.Messages)
	}
	return t, nil
}

func validateRequest(usecase string, req models.AssistRequest) error {
	if strings.TrimSpace(usecase) == "" {
		return aierr.Validation("usecase is required")
	}
	n := utf8.RuneCountInString(req.Message)
	if n < 1 || n > MaxMessageLength {
		return aierr.Validation(fmt.Sprintf("message must be between 1 and %d characters", MaxMessageLength))
	}
	if req.Context != nil && !req.Context.Type.Valid() {
		return aierr.Validation(fmt.Sprintf("unknown context type '%s'", req.Context.Type))
	}
	return nil
}

// buildVariables assembles the variable tree rendered into the template.
// Request-supplied namespaces come first; input, user, tenant and the
// context namespace are always set by the server.
func (o *Orchestrator) buildVariables(ctx context.Context, s *contracts.Session, req models.AssistRequest) (prompt.Variables, error) {
	vars := make(prompt.Variables, len(req.Variables)+4)
	for ns, fields := range req.Variables {
		m := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			m[k] = v
		}
		vars[ns] = m
	}

	vars["input"] = map[string]interface{}{"message": req.Message}
	vars["user"] = map[string]interface{}{"id": s.UserID, "role": s.Role}
	vars["tenant"] = map[string]interface{}{"id": s.TenantID}

	if rc := req.Context; rc != nil {
		ns := make(map[string]interface{})
		if existing, ok := vars[string(rc.Type)].(map[string]interface{}); ok {
			ns = existing
		}
		for k, v := range rc.Metadata {
			ns[k] = v
		}
		if o.deps.Contexts != nil && rc.ID != "" {
			resolved, err := o.deps.Contexts.Resolve(ctx, s.TenantID, *rc)
			if err != nil {
				return nil, fmt.Errorf("resolve %s context: %w", rc.Type, err)
			}
			for k, v := range resolved {
				ns[k] = v
			}
		}
		if rc.ID != "" {
			ns["id"] = rc.ID
		}
		vars[string(rc.Type)] = ns
	}
	return vars, nil
}

// promptError maps validator and renderer errors onto their stable codes.
func promptError(err error) error {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return aierr.Wrap(aierr.Code(coded.Code()), err.Error(), err)
	}
	return aierr.Wrap(aierr.CodeValidation, err.Error(), err)
}

func contextEventID(rc *models.RequestContext) string {
	if rc != nil && rc.Type == models.ContextEvent {
		return rc.ID
	}
	return ""
}

// historyMessages converts persisted turns into provider messages. Tool
// activity is folded into the assistant text since the provider-side tool
// call ids of earlier turns are not kept.
func historyMessages(msgs []models.ChatMessage) []router.Message {
	out := make([]router.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			out = append(out, router.Message{Role: router.RoleUser, Content: m.Content})
		case models.RoleAssistant:
			out = append(out, router.Message{Role: router.RoleAssistant, Content: m.Content})
		}
	}
	return out
}
