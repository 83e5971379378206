package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ── OpenAI-compatible Driver ────────────────────────────────

// OpenAIDriver streams from any OpenAI-compatible /chat/completions
// endpoint (OpenAI, Azure-style gateways, Ollama's /v1).
type OpenAIDriver struct {
	kind    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAIDriver creates a driver registered under kind. An empty apiKey
// sends no Authorization header, which is what local Ollama expects.
func NewOpenAIDriver(kind, baseURL, apiKey string, client *http.Client) *OpenAIDriver {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIDriver{
		kind:    kind,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

func (d *OpenAIDriver) Kind() string { return d.kind }

// Stream sends a streaming chat completion request.
func (d *OpenAIDriver) Stream(ctx context.Context, req *Request) (*Stream, error) {
	headers := map[string]string{}
	if d.apiKey != "" {
		headers["Authorization"] = "Bearer " + d.apiKey
	}
	resp, err := postJSON(ctx, d.client, d.baseURL+"/chat/completions", headers, d.buildRequest(req), d.kind)
	if err != nil {
		return nil, err
	}
	return d.newStream(resp.Body), nil
}

func (d *OpenAIDriver) buildRequest(req *Request) openaiRequest {
	out := openaiRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: &openaiStreamOptions{IncludeUsage: true},
		MaxTokens:     req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := openaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaOrEmpty(t.Parameters),
			},
		})
	}
	return out
}

// maxToolCallsPerChoice bounds the provider-supplied tool call index.
const maxToolCallsPerChoice = 128

// newStream turns OpenAI deltas into Chunks. Text deltas are forwarded as
// they arrive; tool calls are accumulated by index and released once the
// choice finishes.
func (d *OpenAIDriver) newStream(body io.ReadCloser) *Stream {
	scanner := newSSEScanner(body)

	var partials []*openaiPartialToolCall
	var pending []Chunk

	stream := NewStream(nil, body)
	stream.next = func() (Chunk, error) {
		if len(pending) > 0 {
			chunk := pending[0]
			pending = pending[1:]
			return chunk, nil
		}

		for {
			if !scanner.Next() {
				if err := scanner.Err(); err != nil {
					return Chunk{}, fmt.Errorf("%s: reading stream: %w", d.kind, err)
				}
				return Chunk{}, fmt.Errorf("%s: stream ended without [DONE]: %w", d.kind, io.ErrUnexpectedEOF)
			}

			event := scanner.Event()
			if event.Data == "[DONE]" {
				return Chunk{}, io.EOF
			}

			var chunk openaiStreamChunk
			if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
				return Chunk{}, fmt.Errorf("%s: parsing stream chunk: %w", d.kind, err)
			}
			if chunk.Error != nil && chunk.Error.Message != "" {
				return Chunk{}, &StreamError{Provider: d.kind, Type: chunk.Error.Type, Message: chunk.Error.Message}
			}

			if chunk.Usage != nil {
				stream.SetInputTokens(chunk.Usage.PromptTokens)
				stream.SetOutputTokens(chunk.Usage.CompletionTokens)
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			for _, delta := range choice.Delta.ToolCalls {
				if delta.Index < 0 || delta.Index >= maxToolCallsPerChoice {
					return Chunk{}, fmt.Errorf("%s: tool call index %d out of range", d.kind, delta.Index)
				}
				for len(partials) <= delta.Index {
					partials = append(partials, &openaiPartialToolCall{})
				}
				p := partials[delta.Index]
				if delta.ID != "" {
					p.id = delta.ID
				}
				if delta.Function != nil {
					if delta.Function.Name != "" {
						p.name = delta.Function.Name
					}
					p.arguments.WriteString(delta.Function.Arguments)
				}
			}

			if choice.FinishReason != nil {
				for _, p := range partials {
					if p.name == "" {
						continue
					}
					call := p.toToolCall()
					pending = append(pending, Chunk{ToolCall: &call})
				}
				partials = nil
			}

			if choice.Delta.Content != "" {
				return Chunk{Text: choice.Delta.Content}, nil
			}
			if len(pending) > 0 {
				chunk := pending[0]
				pending = pending[1:]
				return chunk, nil
			}
		}
	}
	return stream
}

// ── OpenAI wire types ───────────────────────────────────────

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string               `json:"type"`
	Function openaiToolDefinition `json:"function"`
}

type openaiToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function *struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type openaiPartialToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

func (p *openaiPartialToolCall) toToolCall() ToolCall {
	args := strings.TrimSpace(p.arguments.String())
	if args == "" {
		args = "{}"
	}
	return ToolCall{ID: p.id, Name: p.name, Arguments: json.RawMessage(args)}
}

// ── Shared HTTP helpers ─────────────────────────────────────

// postJSON POSTs body and returns the response for a 2xx status. Any other
// status is read into a *ProviderError and the body is closed.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}, provider string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readProviderError(provider, resp)
	}
	return resp, nil
}

func readProviderError(provider string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	perr := &ProviderError{Provider: provider, StatusCode: resp.StatusCode}
	if json.Unmarshal(raw, &wire) == nil && wire.Error.Message != "" {
		perr.Type = wire.Error.Type
		perr.Message = wire.Error.Message
	} else {
		perr.Message = strings.TrimSpace(string(raw))
	}
	return perr
}

func schemaOrEmpty(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return schema
}
