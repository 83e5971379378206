package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrNotDrained is returned by Usage before the stream has reached io.EOF.
var ErrNotDrained = errors.New("router: stream not drained")

// Driver is a provider backend capable of streaming chat completions.
// Drivers are registered on the ModelRouter by Kind, which matches
// ModelConfig.Provider.
type Driver interface {
	Kind() string
	Stream(ctx context.Context, req *Request) (*Stream, error)
}

// ── Request types ───────────────────────────────────────────

// Message roles understood by every driver.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn in provider-neutral form.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant turns that requested tools
	ToolCallID string     // tool turns: the call being answered
}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema object
}

// Request is a single provider call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
	Tools        []ToolSpec
}

// Chunk is one element of a completion stream: either a text delta or a
// fully assembled tool call.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
}

// Usage is the provider-reported token count of a stream.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ── Stream ──────────────────────────────────────────────────

type nextFunc func() (Chunk, error)

// Stream is a pull iterator over a provider response. Next returns io.EOF
// once the provider has finished; after that Usage is valid.
//
// Stream is not safe for concurrent use.
type Stream struct {
	next   nextFunc
	closer io.Closer

	mu    sync.Mutex
	usage Usage
	done  bool
}

// NewStream builds a Stream from a provider-specific iteration function and
// the underlying response body.
func NewStream(next func() (Chunk, error), closer io.Closer) *Stream {
	return &Stream{next: next, closer: closer}
}

// Next returns the next chunk, or io.EOF at the end of the stream.
func (s *Stream) Next() (Chunk, error) {
	if s.isDone() {
		return Chunk{}, io.EOF
	}
	chunk, err := s.next()
	if err == io.EOF {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
	}
	return chunk, err
}

// Usage returns the token usage once the stream has been drained.
func (s *Stream) Usage() (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		return Usage{}, ErrNotDrained
	}
	return s.usage, nil
}

// Close releases the response body. Safe to call after EOF.
func (s *Stream) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// SetInputTokens is called by drivers while parsing.
func (s *Stream) SetInputTokens(n int64) {
	s.mu.Lock()
	s.usage.InputTokens = n
	s.mu.Unlock()
}

// SetOutputTokens is called by drivers while parsing.
func (s *Stream) SetOutputTokens(n int64) {
	s.mu.Lock()
	s.usage.OutputTokens = n
	s.mu.Unlock()
}

func (s *Stream) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// ── Provider errors ─────────────────────────────────────────

// ProviderError is a non-2xx response from a provider API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: status %d: %s: %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited reports an HTTP 429 from the provider.
func (e *ProviderError) IsRateLimited() bool { return e.StatusCode == 429 }

// StreamError is an error event delivered inside an otherwise successful
// stream.
type StreamError struct {
	Provider string
	Type     string
	Message  string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: stream error: %s: %s", e.Provider, e.Type, e.Message)
}
