// Package router implements the completion router.
//
// The router resolves a template's ModelConfig to a registered provider
// driver, streams the completion through a per-provider circuit breaker,
// maps provider failures onto the assistant error taxonomy, and tracks
// estimated cost per tenant.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eventdesk/assistant/internal/aierr"
	"github.com/eventdesk/assistant/pkg/models"
)

var tracer = otel.Tracer("eventdesk-assistant/router")

const (
	defaultStreamTimeout   = 45 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// ChatRequest is one completion call on behalf of a tenant.
type ChatRequest struct {
	TenantID     string
	Usecase      string
	Config       models.ModelConfig
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
}

// ModelRouter routes completion requests to registered provider drivers.
type ModelRouter struct {
	driversMu sync.RWMutex
	drivers   map[string]Driver

	breakersMu      sync.Mutex
	breakers        map[string]*gobreaker.CircuitBreaker
	breakerFailures uint32
	breakerCooldown time.Duration

	streamTimeout time.Duration

	// Cost tracking: tenant → accumulated cost
	costMu sync.RWMutex
	costs  map[string]*models.CostSummary
}

// Option configures a ModelRouter.
type Option func(*ModelRouter)

// WithStreamTimeout bounds every stream, including all reads.
func WithStreamTimeout(d time.Duration) Option {
	return func(mr *ModelRouter) { mr.streamTimeout = d }
}

// WithBreaker sets how many consecutive failures open a provider's circuit
// and how long it stays open.
func WithBreaker(consecutiveFailures uint32, cooldown time.Duration) Option {
	return func(mr *ModelRouter) {
		mr.breakerFailures = consecutiveFailures
		mr.breakerCooldown = cooldown
	}
}

// NewModelRouter creates a router with no drivers registered.
func NewModelRouter(opts ...Option) *ModelRouter {
	mr := &ModelRouter{
		drivers:         make(map[string]Driver),
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
		breakerFailures: defaultBreakerFailures,
		breakerCooldown: defaultBreakerCooldown,
		streamTimeout:   defaultStreamTimeout,
		costs:           make(map[string]*models.CostSummary),
	}
	for _, opt := range opts {
		opt(mr)
	}
	return mr
}

// StreamTimeout returns the configured stream bound (0 means none).
func (mr *ModelRouter) StreamTimeout() time.Duration { return mr.streamTimeout }

// ProviderEndpoints configures the built-in drivers.
type ProviderEndpoints struct {
	OpenAIBaseURL    string
	OpenAIAPIKey     string
	AnthropicBaseURL string
	AnthropicAPIKey  string
	OllamaBaseURL    string
}

// RegisterBuiltinDrivers registers openai, anthropic and ollama drivers.
func (mr *ModelRouter) RegisterBuiltinDrivers(ep ProviderEndpoints, client *http.Client) {
	mr.RegisterDriver(NewOpenAIDriver("openai", ep.OpenAIBaseURL, ep.OpenAIAPIKey, client))
	mr.RegisterDriver(NewAnthropicDriver(ep.AnthropicBaseURL, ep.AnthropicAPIKey, client))

	ollama := ep.OllamaBaseURL
	if ollama == "" {
		ollama = "http://localhost:11434/v1"
	}
	mr.RegisterDriver(NewOpenAIDriver("ollama", ollama, "", client))
}

// ── Driver Registry ─────────────────────────────────────────

// RegisterDriver adds or replaces the driver for d.Kind().
func (mr *ModelRouter) RegisterDriver(d Driver) {
	mr.driversMu.Lock()
	defer mr.driversMu.Unlock()
	mr.drivers[d.Kind()] = d
}

// GetDriver returns the driver for kind, or nil.
func (mr *ModelRouter) GetDriver(kind string) Driver {
	mr.driversMu.RLock()
	defer mr.driversMu.RUnlock()
	return mr.drivers[kind]
}

// ListDrivers returns the registered driver kinds, sorted.
func (mr *ModelRouter) ListDrivers() []string {
	mr.driversMu.RLock()
	defer mr.driversMu.RUnlock()
	kinds := make([]string, 0, len(mr.drivers))
	for k := range mr.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// BreakerState reports the circuit state of a provider ("closed" when the
// provider has not been called yet).
func (mr *ModelRouter) BreakerState(provider string) string {
	mr.breakersMu.Lock()
	defer mr.breakersMu.Unlock()
	if cb, ok := mr.breakers[provider]; ok {
		return cb.State().String()
	}
	return gobreaker.StateClosed.String()
}

func (mr *ModelRouter) breaker(provider string) *gobreaker.CircuitBreaker {
	mr.breakersMu.Lock()
	defer mr.breakersMu.Unlock()

	if cb, ok := mr.breakers[provider]; ok {
		return cb
	}
	failures := mr.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     mr.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit state changed")
		},
		IsSuccessful: countsAsSuccess,
	})
	mr.breakers[provider] = cb
	return cb
}

// countsAsSuccess keeps caller cancellations and request-shaped 4xx errors
// from opening the circuit.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.StatusCode >= 400 && perr.StatusCode < 500 && !perr.IsRateLimited()
	}
	return false
}

// ── Streaming ───────────────────────────────────────────────

// StreamChat opens a completion stream. The returned ChatStream must be
// closed by the caller.
func (mr *ModelRouter) StreamChat(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	provider := req.Config.Provider

	var cancel context.CancelFunc
	if mr.streamTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, mr.streamTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	ctx, span := tracer.Start(ctx, "router.StreamChat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("assistant.provider", provider),
			attribute.String("assistant.model", req.Config.Model),
			attribute.String("assistant.usecase", req.Usecase),
		),
	)

	fail := func(err error) (*ChatStream, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		return nil, err
	}

	driver := mr.GetDriver(provider)
	if driver == nil {
		return fail(aierr.ProviderUnavailable(provider, fmt.Errorf("no driver registered for provider %q", provider)))
	}

	driverReq := &Request{
		Model:        req.Config.Model,
		SystemPrompt: req.SystemPrompt,
		Messages:     req.Messages,
		Temperature:  req.Config.Temperature,
		MaxTokens:    req.Config.MaxTokens,
		Tools:        req.Tools,
	}

	result, err := mr.breaker(provider).Execute(func() (interface{}, error) {
		return driver.Stream(ctx, driverReq)
	})
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Str("model", req.Config.Model).Msg("Provider call failed")
		return fail(classify(ctx, provider, err))
	}

	return &ChatStream{
		router: mr,
		req:    req,
		inner:  result.(*Stream),
		ctx:    ctx,
		cancel: cancel,
		span:   span,
	}, nil
}

// classify maps a transport or provider failure onto the error taxonomy.
func classify(ctx context.Context, provider string, err error) error {
	var ae *aierr.Error
	if errors.As(err, &ae) {
		return ae
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return aierr.Timeout(err)
	}
	return aierr.ProviderUnavailable(provider, err)
}

// ChatStream is a routed completion stream.
type ChatStream struct {
	router *ModelRouter
	req    ChatRequest
	inner  *Stream
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	endOnce sync.Once
	done    bool
	err     error
	usage   models.TokenUsage
}

// Next returns the next chunk. It returns io.EOF after the provider
// finished and keeps returning it; any other error is an *aierr.Error and
// is sticky.
func (cs *ChatStream) Next() (Chunk, error) {
	if cs.done {
		return Chunk{}, io.EOF
	}
	if cs.err != nil {
		return Chunk{}, cs.err
	}
	if err := cs.ctx.Err(); err != nil {
		return Chunk{}, cs.setErr(aierr.Timeout(err))
	}

	chunk, err := cs.inner.Next()
	if err == io.EOF {
		cs.finish()
		return Chunk{}, io.EOF
	}
	if err != nil {
		return Chunk{}, cs.setErr(classify(cs.ctx, cs.req.Config.Provider, err))
	}
	return chunk, nil
}

// Usage returns token usage and estimated cost after the stream is drained.
func (cs *ChatStream) Usage() (models.TokenUsage, error) {
	if !cs.done {
		return models.TokenUsage{}, ErrNotDrained
	}
	return cs.usage, nil
}

// Close releases the provider connection. Safe to call more than once.
func (cs *ChatStream) Close() error {
	cs.cancel()
	err := cs.inner.Close()
	cs.endOnce.Do(func() { cs.span.End() })
	return err
}

func (cs *ChatStream) setErr(err error) error {
	cs.err = err
	cs.span.RecordError(err)
	cs.span.SetStatus(codes.Error, err.Error())
	return err
}

func (cs *ChatStream) finish() {
	cs.done = true
	u, _ := cs.inner.Usage()
	cs.usage = models.TokenUsage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		EstimatedCostJPY: EstimateCostJPY(cs.req.Config.Model, u.InputTokens, u.OutputTokens),
	}
	cs.span.SetAttributes(
		attribute.Int64("assistant.input_tokens", u.InputTokens),
		attribute.Int64("assistant.output_tokens", u.OutputTokens),
	)
	cs.router.trackCost(cs.req.TenantID, cs.req.Usecase, cs.req.Config.Model, cs.usage)
}

// ── Cost Tracking ───────────────────────────────────────────

func (mr *ModelRouter) trackCost(tenantID, usecase, model string, usage models.TokenUsage) {
	mr.costMu.Lock()
	defer mr.costMu.Unlock()

	summary, ok := mr.costs[tenantID]
	if !ok {
		summary = newCostSummary()
		mr.costs[tenantID] = summary
	}
	summary.TotalCostJPY += usage.EstimatedCostJPY
	summary.TotalTokens += usage.Total()
	summary.Requests++
	summary.ByModel[model] += usage.EstimatedCostJPY
	if usecase != "" {
		summary.ByUsecase[usecase] += usage.EstimatedCostJPY
	}
}

// GetCostSummary returns a copy of the accumulated cost for a tenant.
func (mr *ModelRouter) GetCostSummary(tenantID string) *models.CostSummary {
	mr.costMu.RLock()
	defer mr.costMu.RUnlock()

	out := newCostSummary()
	summary, ok := mr.costs[tenantID]
	if !ok {
		return out
	}
	out.TotalCostJPY = summary.TotalCostJPY
	out.TotalTokens = summary.TotalTokens
	out.Requests = summary.Requests
	for k, v := range summary.ByModel {
		out.ByModel[k] = v
	}
	for k, v := range summary.ByUsecase {
		out.ByUsecase[k] = v
	}
	return out
}

func newCostSummary() *models.CostSummary {
	return &models.CostSummary{
		ByModel:   make(map[string]float64),
		ByUsecase: make(map[string]float64),
	}
}
