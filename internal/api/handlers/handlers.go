// Package handlers implements the HTTP handlers of the assistant API.
// Handlers only parse requests and map results and errors onto HTTP; the
// request lifecycle lives in internal/assistant.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/eventdesk/assistant/internal/aierr"
	"github.com/eventdesk/assistant/internal/assistant"
	"github.com/eventdesk/assistant/internal/prompt"
	"github.com/eventdesk/assistant/internal/router"
	"github.com/eventdesk/assistant/internal/store"
	"github.com/eventdesk/assistant/internal/tools"
	"github.com/eventdesk/assistant/pkg/contracts"
	"github.com/eventdesk/assistant/pkg/models"
)

const maxBodyBytes = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Orchestrator  *assistant.Orchestrator
	Sessions      contracts.SessionResolver
	Conversations store.ConversationStore
	Router        *router.ModelRouter
}

// New creates a new Handlers instance.
func New(orch *assistant.Orchestrator, sessions contracts.SessionResolver, conversations store.ConversationStore, mr *router.ModelRouter) *Handlers {
	return &Handlers{
		Orchestrator:  orch,
		Sessions:      sessions,
		Conversations: conversations,
		Router:        mr,
	}
}

// ── Assist ──────────────────────────────────────────────────

// Assist runs one assistant request.
// POST /api/v1/ai/{usecase}
func (h *Handlers) Assist(w http.ResponseWriter, r *http.Request) {
	usecase := chi.URLParam(r, "usecase")

	var req models.AssistRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondAIError(w, aierr.Validation("Invalid request body"))
		return
	}

	turn, err := h.Orchestrator.Prepare(r.Context(), usecase, req)
	if err != nil {
		respondAIError(w, err)
		return
	}
	defer turn.Close()

	if !req.Stream {
		res, err := turn.Complete(r.Context())
		if err != nil {
			respondAIError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, models.AssistResponse{
			Content:        res.Content,
			ToolCalls:      res.ToolCalls,
			ConversationID: res.ConversationID,
			Usage:          res.Usage,
		})
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		respondAIError(w, err)
		return
	}
	if err := turn.Stream(r.Context(), sse); err != nil {
		log.Debug().Err(err).Str("usecase", usecase).Msg("SSE stream ended early")
	}
}

// ── Conversations ───────────────────────────────────────────

// GetConversation returns a conversation of the caller's tenant.
// GET /api/v1/ai/conversations/{id}
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	session, err := h.Sessions.Resolve(r.Context())
	if err != nil {
		respondAIError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	conv, err := h.Conversations.GetConversation(r.Context(), session.TenantID, id)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondAIError(w, aierr.ConversationNotFound(id))
			return
		}
		respondAIError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// ── Tools ───────────────────────────────────────────────────

// ListTools returns the tools the caller's role may run.
// GET /api/v1/ai/tools
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	session, err := h.Sessions.Resolve(r.Context())
	if err != nil {
		respondAIError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"role":  session.Role,
		"tools": tools.ToolsForRole(session.Role),
	})
}

// ── Templates ───────────────────────────────────────────────

// ExtractPlaceholders lists the placeholders of a template skeleton.
// POST /api/v1/ai/templates/placeholders
func (h *Handlers) ExtractPlaceholders(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Sessions.Resolve(r.Context()); err != nil {
		respondAIError(w, err)
		return
	}

	var body struct {
		Template string `json:"template"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		respondAIError(w, aierr.Validation("Invalid request body"))
		return
	}
	placeholders := prompt.ExtractPlaceholders(body.Template)
	if placeholders == nil {
		placeholders = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"placeholders": placeholders})
}

// ── Model Router ────────────────────────────────────────────

// GetUsage returns the estimated spend of the caller's tenant.
// GET /api/v1/ai/usage
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	session, err := h.Sessions.Resolve(r.Context())
	if err != nil {
		respondAIError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.Router.GetCostSummary(session.TenantID))
}

// ListProviders returns the registered drivers and their circuit state.
// GET /api/v1/ai/providers
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Sessions.Resolve(r.Context()); err != nil {
		respondAIError(w, err)
		return
	}
	type provider struct {
		Name    string `json:"name"`
		Circuit string `json:"circuit"`
	}
	out := make([]provider, 0)
	for _, name := range h.Router.ListDrivers() {
		out = append(out, provider{Name: name, Circuit: h.Router.BreakerState(name)})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondAIError writes {"error":{"code","message","retryable"}} with the
// status of the error's code. Rate-limit errors carry Retry-After.
func respondAIError(w http.ResponseWriter, err error) {
	e := aierr.As(err)
	if e.Status() >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", string(e.Code)).Msg("Request failed")
	}
	if e.Code == aierr.CodeRateLimited && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	respondJSON(w, e.Status(), map[string]interface{}{
		"error": map[string]interface{}{
			"code":      e.Code,
			"message":   e.Message,
			"retryable": e.Retryable(),
		},
	})
}

// sseWriter emits assistant events as text/event-stream frames.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, aierr.New(aierr.CodeStreaming, "Streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) Emit(ev models.SSEEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
