package assistant_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventdesk/assistant/internal/aierr"
	"github.com/eventdesk/assistant/internal/assistant"
	"github.com/eventdesk/assistant/internal/auth"
	"github.com/eventdesk/assistant/internal/ratelimit"
	"github.com/eventdesk/assistant/internal/router"
	"github.com/eventdesk/assistant/internal/store"
	"github.com/eventdesk/assistant/internal/tools"
	"github.com/eventdesk/assistant/pkg/contracts"
	"github.com/eventdesk/assistant/pkg/middleware"
	"github.com/eventdesk/assistant/pkg/models"
)

// ── Fakes ───────────────────────────────────────────────────

// scriptedDriver answers the n-th Stream call with rounds[n].
type scriptedDriver struct {
	mu       sync.Mutex
	rounds   [][]router.Chunk
	respond  func(n int, req *router.Request) []router.Chunk
	failWith error // returned by Next after the round's chunks
	block    bool
	usage    router.Usage
	requests []router.Request
}

func (d *scriptedDriver) Kind() string { return "mock" }

func (d *scriptedDriver) Stream(ctx context.Context, req *router.Request) (*router.Stream, error) {
	d.mu.Lock()
	n := len(d.requests)
	cp := *req
	cp.Messages = append([]router.Message(nil), req.Messages...)
	d.requests = append(d.requests, cp)
	d.mu.Unlock()

	var chunks []router.Chunk
	switch {
	case d.respond != nil:
		chunks = d.respond(n, &cp)
	case n < len(d.rounds):
		chunks = d.rounds[n]
	}
	i := 0
	var stream *router.Stream
	stream = router.NewStream(func() (router.Chunk, error) {
		if d.block {
			<-ctx.Done()
			return router.Chunk{}, ctx.Err()
		}
		if i < len(chunks) {
			i++
			return chunks[i-1], nil
		}
		if d.failWith != nil {
			return router.Chunk{}, d.failWith
		}
		stream.SetInputTokens(d.usage.InputTokens)
		stream.SetOutputTokens(d.usage.OutputTokens)
		return router.Chunk{}, io.EOF
	}, nil)
	return stream, nil
}

func (d *scriptedDriver) request(i int) router.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[i]
}

func (d *scriptedDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// countingTemplates records whether template work started.
type countingTemplates struct {
	store.TemplateStore
	mu    sync.Mutex
	calls int
}

func (c *countingTemplates) GetActiveTemplate(ctx context.Context, tenantID, usecase string) (*models.Template, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.TemplateStore.GetActiveTemplate(ctx, tenantID, usecase)
}

// brokenConversations fails every write.
type brokenConversations struct {
	store.ConversationStore
}

func (brokenConversations) CreateConversation(context.Context, *models.Conversation) error {
	return errors.New("disk full")
}

type staticContexts map[string]interface{}

func (s staticContexts) Resolve(_ context.Context, _ string, _ models.RequestContext) (map[string]interface{}, error) {
	return s, nil
}

type recorder struct {
	events []models.SSEEvent
}

func (r *recorder) Emit(ev models.SSEEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []models.EventType {
	out := make([]models.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) text() string {
	var b strings.Builder
	for _, ev := range r.events {
		if ev.Type == models.EventText {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func (r *recorder) terminals() int {
	n := 0
	for _, ev := range r.events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

// ── Fixture ─────────────────────────────────────────────────

type fixture struct {
	orch      *assistant.Orchestrator
	store     *store.MemoryStore
	templates *countingTemplates
	driver    *scriptedDriver
	router    *router.ModelRouter
	gateway   *tools.Gateway
	toolRuns  int
}

type fixtureOption func(*assistant.Deps, *[]assistant.Option)

func newFixture(t *testing.T, driver *scriptedDriver, fopts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(), driver: driver}
	f.templates = &countingTemplates{TemplateStore: f.store}

	require.NoError(t, f.store.UpsertTemplate(context.Background(), &models.Template{
		ID:                 "sys-event-summary",
		Usecase:            "event-summary",
		SystemPrompt:       "Summarise {{event.title}} for tenant {{tenant.id}}.",
		UserPromptTemplate: "{{input.message}}",
		VariableSchema: models.VariableSchema{
			"event": {
				Required: []string{"title"},
				Fields:   map[string]models.FieldSpec{"title": {Type: models.FieldString}},
			},
		},
		ModelConfig: models.ModelConfig{Provider: "mock", Model: "gpt-4o"},
		IsActive:    true,
	}))
	require.NoError(t, f.store.UpsertTemplate(context.Background(), &models.Template{
		ID:           "sys-chat",
		Usecase:      "chat",
		SystemPrompt: "You help event organizers.",
		ModelConfig:  models.ModelConfig{Provider: "mock", Model: "gpt-4o-mini"},
		IsActive:     true,
	}))

	f.router = router.NewModelRouter(router.WithStreamTimeout(2 * time.Second))
	f.router.RegisterDriver(driver)

	f.gateway = tools.NewGateway(nil)
	for _, name := range []string{tools.GetEventDetails, tools.CreateTask} {
		name := name
		require.NoError(t, f.gateway.Register(tools.Definition{
			Name: name,
			Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
				f.toolRuns++
				return map[string]interface{}{"tool": name, "contact": args["contact"]}, nil
			},
		}))
	}

	deps := assistant.Deps{
		Sessions:      auth.NewResolver(auth.NewStaticDirectory("dir-user:tenant-d")),
		Templates:     f.templates,
		Conversations: f.store,
		Limiter:       ratelimit.NewMemoryLimiter(ratelimit.DefaultConfig),
		Router:        f.router,
		Gateway:       f.gateway,
	}
	var opts []assistant.Option
	for _, fo := range fopts {
		fo(&deps, &opts)
	}
	f.orch = assistant.New(deps, opts...)
	return f
}

func session(userID, tenantID, role string) context.Context {
	return middleware.SetIdentity(context.Background(), &contracts.Identity{
		Subject: userID, TenantID: tenantID, Role: role,
	})
}

func eventRequest(message string) models.AssistRequest {
	return models.AssistRequest{
		Message: message,
		Context: &models.RequestContext{
			Type:     models.ContextEvent,
			ID:       "evt-1",
			Metadata: map[string]interface{}{"title": "Tokyo DevConf"},
		},
	}
}

func textChunks(parts ...string) []router.Chunk {
	out := make([]router.Chunk, len(parts))
	for i, p := range parts {
		out[i] = router.Chunk{Text: p}
	}
	return out
}

// ── Prepare ─────────────────────────────────────────────────

func TestPrepare_Unauthorized(t *testing.T) {
	f := newFixture(t, &scriptedDriver{})
	_, err := f.orch.Prepare(context.Background(), "chat", models.AssistRequest{Message: "hi"})
	assert.True(t, aierr.IsCode(err, aierr.CodeUnauthorized), "err = %v", err)
}

func TestPrepare_NoTenant(t *testing.T) {
	f := newFixture(t, &scriptedDriver{})
	_, err := f.orch.Prepare(session("nobody", "", "staff"), "chat", models.AssistRequest{Message: "hi"})
	assert.True(t, aierr.IsCode(err, aierr.CodeNoTenant), "err = %v", err)

	turn, err := f.orch.Prepare(session("dir-user", "", "staff"), "chat", models.AssistRequest{Message: "hi"})
	require.NoError(t, err)
	turn.Close()
}

func TestPrepare_MessageLengthCheckedBeforeTemplateWork(t *testing.T) {
	f := newFixture(t, &scriptedDriver{})
	ctx := session("u1", "tenant-a", "staff")

	for _, msg := range []string{"", strings.Repeat("あ", assistant.MaxMessageLength+1)} {
		_, err := f.orch.Prepare(ctx, "chat", models.AssistRequest{Message: msg})
		var e *aierr.Error
		require.True(t, errors.As(err, &e), "err = %v", err)
		assert.Equal(t, aierr.CodeValidation, e.Code)
		assert.Equal(t, 400, e.Status())
	}
	assert.Equal(t, 0, f.templates.calls)

	turn, err := f.orch.Prepare(ctx, "chat", models.AssistRequest{Message: strings.Repeat("あ", assistant.MaxMessageLength)})
	require.NoError(t, err)
	turn.Close()
}

func TestPrepare_UnknownContextType(t *testing.T) {
	f := newFixture(t, &scriptedDriver{})
	_, err := f.orch.Prepare(session("u1", "tenant-a", "staff"), "chat", models.AssistRequest{
		Message: "hi",
		Context: &models.RequestContext{Type: "invoice"},
	})
	assert.True(t, aierr.IsCode(err, aierr.CodeValidation))
}

func TestPrepare_TemplateNotFound(t *testing.T) {
	f := newFixture(t, &scriptedDriver{})
	_, err := f.orch.Prepare(session("u1", "tenant-a", "staff"), "draft-email", models.AssistRequest{Message: "hi"})
	var e *aierr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, aierr.CodeTemplateNotFound, e.Code)
	assert.Equal(t, 404, e.Status())
}

func TestPrepare_ForeignConversationIsNotFound(t *testing.T) {
	f := newFixture(t, &scriptedDriver{})
	require.NoError(t, f.store.CreateConversation(context.Background(), &models.Conversation{
		ID: "conv-b", TenantID: "tenant-b", UserID: "u2", Usecase: "chat",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "tenant b secret"}},
	}))

	_, err := f.orch.Prepare(session("u1", "tenant-a", "staff"), "chat", models.AssistRequest{
		ConversationID: "conv-b",
		Message:        "continue",
	})
	assert.True(t, aierr.IsCode(err, aierr.CodeConversationNotFound), "err = %v", err)
}

func TestPrepare_RateLimited(t *testing.T) {
	f := newFixture(t, &scriptedDriver{}, func(d *assistant.Deps, _ *[]assistant.Option) {
		d.Limiter = ratelimit.NewMemoryLimiter(ratelimit.Config{Capacity: 1, Window: time.Minute, Block: time.Minute})
	})
	ctx := session("u1", "tenant-a", "staff")

	turn, err := f.orch.Prepare(ctx, "chat", models.AssistRequest{Message: "hi"})
	require.NoError(t, err)
	turn.Close()

	_, err = f.orch.Prepare(ctx, "chat", models.AssistRequest{Message: "hi"})
	var e *aierr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, aierr.CodeRateLimited, e.Code)
	assert.True(t, e.Retryable())
	assert.Greater(t, e.RetryAfter, time.Duration(0))

	other, err := f.orch.Prepare(session("u2", "tenant-a", "staff"), "chat", models.AssistRequest{Message: "hi"})
	require.NoError(t, err, "budgets are per user")
	other.Close()
}

func TestPrepare_VariableErrors(t *testing.T) {
	f := newFixture(t, &scriptedDriver{})
	ctx := session("u1", "tenant-a", "staff")

	_, err := f.orch.Prepare(ctx, "event-summary", models.AssistRequest{Message: "summary please"})
	assert.True(t, aierr.IsCode(err, aierr.CodeRequiredVariableMissing), "err = %v", err)

	req := eventRequest("summary please")
	req.Context.Metadata["title"] = 42
	_, err = f.orch.Prepare(ctx, "event-summary", req)
	assert.True(t, aierr.IsCode(err, aierr.CodeVariableTypeMismatch), "err = %v", err)
}

func TestPrepare_ContextResolverFillsVariables(t *testing.T) {
	driver := &scriptedDriver{rounds: [][]router.Chunk{textChunks("ok")}}
	f := newFixture(t, driver, func(d *assistant.Deps, _ *[]assistant.Option) {
		d.Contexts = staticContexts{"title": "Resolved Summit"}
	})

	turn, err := f.orch.Prepare(session("u1", "tenant-a", "staff"), "event-summary", models.AssistRequest{
		Message: "summary please",
		Context: &models.RequestContext{Type: models.ContextEvent, ID: "evt-9"},
	})
	require.NoError(t, err)
	defer turn.Close()

	_, err = turn.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Summarise Resolved Summit for tenant tenant-a.", driver.request(0).SystemPrompt)
}

// ── Streaming ───────────────────────────────────────────────

// ── Streaming ───────────────────────────────────────────────

var tokenRe = regexp.MustCompile(`\[PII:[A-Z]+:[0-9a-f]{8}:\d+\]`)

// lastUserToken returns the first PII token of the newest user message.
func lastUserToken(req *router.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == router.RoleUser {
			return tokenRe.FindString(req.Messages[i].Content)
		}
	}
	return ""
}

func TestStream_UnmasksAcrossChunkBoundaries(t *testing.T) {
	driver := &scriptedDriver{
		usage: router.Usage{InputTokens: 1000, OutputTokens: 1000},
		respond: func(_ int, req *router.Request) []router.Chunk {
			tok := lastUserToken(req)
			return textChunks("I'll email ", tok[:3], tok[3:12], tok[12:]+" today.")
		},
	}
	f := newFixture(t, driver)

	turn, err := f.orch.Prepare(session("u1", "tenant-a", "staff"), "event-summary", eventRequest("Contact yamada@example.com please"))
	require.NoError(t, err)
	defer turn.Close()

	rec := &recorder{}
	require.NoError(t, turn.Stream(context.Background(), rec))

	sent := driver.request(0)
	assert.Equal(t, "Summarise Tokyo DevConf for tenant tenant-a.", sent.SystemPrompt)
	assert.NotContains(t, sent.Messages[0].Content, "yamada@example.com")
	assert.NotEmpty(t, lastUserToken(&sent))

	assert.Equal(t, "I'll email yamada@example.com today.", rec.text())
	for _, ev := range rec.events {
		assert.NotContains(t, ev.Content, "[PII")
	}
	require.Equal(t, 1, rec.terminals())
	done := rec.events[len(rec.events)-1]
	assert.Equal(t, models.EventDone, done.Type)
	assert.Equal(t, turn.ConversationID(), done.ConversationID)
	assert.Equal(t, int64(2000), done.Tokens)

	conv, err := f.store.GetConversation(context.Background(), "tenant-a", done.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Contact yamada@example.com please", conv.Messages[0].Content)
	assert.Equal(t, "I'll email yamada@example.com today.", conv.Messages[1].Content)
	assert.Equal(t, "evt-1", conv.EventID)
	assert.Equal(t, "u1", conv.UserID)
	assert.InDelta(t, 1.875, conv.EstimatedCostJPY, 1e-9)
}

func TestStream_ToolCallsAreGatedAndOrdered(t *testing.T) {
	driver := &scriptedDriver{
		respond: func(n int, req *router.Request) []router.Chunk {
			if n > 0 {
				return textChunks("Done.")
			}
			args, _ := json.Marshal(map[string]string{"contact": lastUserToken(req)})
			return []router.Chunk{
				{ToolCall: &router.ToolCall{ID: "call_1", Name: tools.GetEventDetails, Arguments: args}},
				{ToolCall: &router.ToolCall{ID: "call_2", Name: tools.CreateTask, Arguments: json.RawMessage(`{"title":"follow up"}`)}},
			}
		},
	}
	f := newFixture(t, driver)

	turn, err := f.orch.Prepare(session("u1", "tenant-a", tools.RoleViewer), "chat", models.AssistRequest{Message: "Ask sato@example.jp about the venue"})
	require.NoError(t, err)
	defer turn.Close()

	rec := &recorder{}
	require.NoError(t, turn.Stream(context.Background(), rec))

	assert.Equal(t, []models.EventType{
		models.EventToolCallStart, models.EventToolCallResult,
		models.EventToolCallStart, models.EventToolCallResult,
		models.EventText, models.EventDone,
	}, rec.types())

	assert.Equal(t, "sato@example.jp", rec.events[0].Args["contact"], "tool args are unmasked")
	assert.Equal(t, map[string]interface{}{"tool": tools.GetEventDetails, "contact": "sato@example.jp"}, rec.events[1].Result)
	assert.Equal(t, tools.CreateTask, rec.events[2].Tool)
	assert.Contains(t, rec.events[3].Result.(map[string]string)["error"], "Permission denied")
	assert.Equal(t, 1, f.toolRuns, "denied tool must not run")

	first := driver.request(0)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, tools.GetEventDetails, first.Tools[0].Name)

	followUp := driver.request(1)
	require.Len(t, followUp.Messages, 4)
	assert.Equal(t, router.RoleAssistant, followUp.Messages[1].Role)
	assert.Len(t, followUp.Messages[1].ToolCalls, 2)
	assert.Equal(t, "call_1", followUp.Messages[2].ToolCallID)
	assert.NotContains(t, followUp.Messages[2].Content, "sato@example.jp", "tool results are masked for the provider")
	assert.Contains(t, followUp.Messages[2].Content, "[PII:EMAIL:")
	assert.Contains(t, followUp.Messages[3].Content, "Permission denied")

	conv, err := f.store.GetConversation(context.Background(), "tenant-a", turn.ConversationID())
	require.NoError(t, err)
	calls := conv.Messages[1].ToolCalls
	require.Len(t, calls, 2)
	assert.Equal(t, models.ToolCallCompleted, calls[0].Status)
	assert.Equal(t, models.ToolCallError, calls[1].Status)
}

func TestStream_ToolRoundLimit(t *testing.T) {
	driver := &scriptedDriver{
		respond: func(n int, _ *router.Request) []router.Chunk {
			return []router.Chunk{{ToolCall: &router.ToolCall{ID: "c", Name: tools.GetEventDetails, Arguments: json.RawMessage(`{}`)}}}
		},
	}
	f := newFixture(t, driver, func(_ *assistant.Deps, opts *[]assistant.Option) {
		*opts = append(*opts, assistant.WithMaxToolRounds(1))
	})

	turn, err := f.orch.Prepare(session("u1", "tenant-a", tools.RoleAdmin), "chat", models.AssistRequest{Message: "loop"})
	require.NoError(t, err)
	defer turn.Close()

	rec := &recorder{}
	require.NoError(t, turn.Stream(context.Background(), rec))

	assert.Equal(t, 2, driver.calls())
	assert.Empty(t, driver.request(1).Tools, "no tools are offered in the last round")
	assert.Equal(t, 1, f.toolRuns)
	require.Len(t, rec.events, 5)
	assert.Contains(t, rec.events[3].Result.(map[string]string)["error"], "limit")
	assert.Equal(t, models.EventDone, rec.events[4].Type)
}

func TestStream_ProviderFailureEndsWithSingleError(t *testing.T) {
	driver := &scriptedDriver{
		rounds:   [][]router.Chunk{textChunks("partial ")},
		failWith: errors.New("connection reset"),
	}
	f := newFixture(t, driver)

	turn, err := f.orch.Prepare(session("u1", "tenant-a", "staff"), "chat", models.AssistRequest{Message: "hi"})
	require.NoError(t, err)
	defer turn.Close()

	rec := &recorder{}
	require.NoError(t, turn.Stream(context.Background(), rec))

	assert.Equal(t, []models.EventType{models.EventText, models.EventError}, rec.types())
	assert.Equal(t, string(aierr.CodeProviderUnavailable), rec.events[1].Code)
	assert.NotEmpty(t, rec.events[1].Message)

	_, err = f.store.GetConversation(context.Background(), "tenant-a", turn.ConversationID())
	var nf *store.ErrNotFound
	assert.True(t, errors.As(err, &nf), "failed turns are not persisted")
}

func TestStream_Timeout(t *testing.T) {
	driver := &scriptedDriver{block: true}
	f := newFixture(t, driver, func(d *assistant.Deps, _ *[]assistant.Option) {
		d.Router = router.NewModelRouter(router.WithStreamTimeout(50 * time.Millisecond))
		d.Router.RegisterDriver(driver)
	})

	turn, err := f.orch.Prepare(session("u1", "tenant-a", "staff"), "chat", models.AssistRequest{Message: "hi"})
	require.NoError(t, err)
	defer turn.Close()

	rec := &recorder{}
	require.NoError(t, turn.Stream(context.Background(), rec))
	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventError, rec.events[0].Type)
	assert.Equal(t, string(aierr.CodeTimeout), rec.events[0].Code)
}

func TestStream_CeilingCoversToolRounds(t *testing.T) {
	driver := &scriptedDriver{
		respond: func(n int, _ *router.Request) []router.Chunk {
			return []router.Chunk{{ToolCall: &router.ToolCall{ID: fmt.Sprintf("c%d", n), Name: tools.GetEventDetails, Arguments: json.RawMessage(`{}`)}}}
		},
	}
	f := newFixture(t, driver, func(_ *assistant.Deps, opts *[]assistant.Option) {
		*opts = append(*opts, assistant.WithStreamTimeout(200*time.Millisecond))
	})
	require.NoError(t, f.gateway.Register(tools.Definition{
		Name: tools.GetEventDetails,
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			time.Sleep(150 * time.Millisecond)
			return map[string]string{"title": "Tokyo DevConf"}, nil
		},
	}))

	turn, err := f.orch.Prepare(session("u1", "tenant-a", tools.RoleAdmin), "chat", models.AssistRequest{Message: "loop"})
	require.NoError(t, err)
	defer turn.Close()

	rec := &recorder{}
	start := time.Now()
	require.NoError(t, turn.Stream(context.Background(), rec))
	elapsed := time.Since(start)

	require.NotEmpty(t, rec.events)
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, models.EventError, last.Type)
	assert.Equal(t, string(aierr.CodeTimeout), last.Code)
	assert.Equal(t, 1, rec.terminals())
	assert.Less(t, elapsed, time.Second)
	assert.Less(t, driver.calls(), 4, "no provider round starts after the ceiling")
}

func TestStream_PersistenceFailureIsNotSurfaced(t *testing.T) {
	driver := &scriptedDriver{rounds: [][]router.Chunk{textChunks("hello")}}
	f := newFixture(t, driver, func(d *assistant.Deps, _ *[]assistant.Option) {
		d.Conversations = brokenConversations{ConversationStore: store.NewMemoryStore()}
	})

	turn, err := f.orch.Prepare(session("u1", "tenant-a", "staff"), "chat", models.AssistRequest{Message: "hi"})
	require.NoError(t, err)
	defer turn.Close()

	rec := &recorder{}
	require.NoError(t, turn.Stream(context.Background(), rec))
	assert.Equal(t, []models.EventType{models.EventText, models.EventDone}, rec.types())
	assert.NotEmpty(t, rec.events[1].ConversationID)
}

func TestStream_EmitterFailureStopsTheTurn(t *testing.T) {
	driver := &scriptedDriver{rounds: [][]router.Chunk{textChunks("a", "b", "c")}}
	f := newFixture(t, driver)

	turn, err := f.orch.Prepare(session("u1", "tenant-a", "staff"), "chat", models.AssistRequest{Message: "hi"})
	require.NoError(t, err)
	defer turn.Close()

	emitted := 0
	err = turn.Stream(context.Background(), assistant.EmitterFunc(func(models.SSEEvent) error {
		emitted++
		return errors.New("client gone")
	}))
	assert.Error(t, err)
	assert.Equal(t, 1, emitted)
}

// ── Non-streaming ───────────────────────────────────────────

func TestComplete_UnmasksAndContinuesConversation(t *testing.T) {
	driver := &scriptedDriver{
		usage: router.Usage{InputTokens: 10, OutputTokens: 5},
		respond: func(_ int, req *router.Request) []router.Chunk {
			tok := lastUserToken(req)
			if tok == "" {
				return textChunks("no contact")
			}
			return textChunks("Call ", tok[:5], tok[5:])
		},
	}
	f := newFixture(t, driver)
	ctx := session("u1", "tenant-a", "staff")

	turn, err := f.orch.Prepare(ctx, "chat", models.AssistRequest{Message: "Phone is 090-1234-5678"})
	require.NoError(t, err)
	res, err := turn.Complete(context.Background())
	require.NoError(t, err)
	turn.Close()

	assert.Equal(t, "Call 090-1234-5678", res.Content)
	assert.Equal(t, int64(15), res.Usage.Total())

	_, err = turn.Complete(context.Background())
	assert.Error(t, err, "a turn runs once")

	next, err := f.orch.Prepare(ctx, "chat", models.AssistRequest{ConversationID: res.ConversationID, Message: "thanks"})
	require.NoError(t, err)
	defer next.Close()
	res2, err := next.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.ConversationID, res2.ConversationID)
	assert.Equal(t, "no contact", res2.Content)

	history := driver.request(1).Messages
	require.Len(t, history, 3)
	assert.Equal(t, "Phone is 090-1234-5678", history[0].Content, "history is reused as persisted")
	assert.Equal(t, "thanks", history[2].Content)

	conv, err := f.store.GetConversation(context.Background(), "tenant-a", res.ConversationID)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 4)
	assert.Equal(t, int64(20), conv.TotalInputTokens)
	assert.Equal(t, int64(10), conv.TotalOutputTokens)
}

func TestTurn_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t, &scriptedDriver{})
	turn, err := f.orch.Prepare(session("u1", "tenant-a", "staff"), "chat", models.AssistRequest{Message: "mail a@b.co"})
	require.NoError(t, err)
	turn.Close()
	turn.Close()
}
