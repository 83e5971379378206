package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ── Anthropic Driver ────────────────────────────────────────

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// AnthropicDriver streams from the Anthropic Messages API.
type AnthropicDriver struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAnthropicDriver creates the "anthropic" driver.
func NewAnthropicDriver(baseURL, apiKey string, client *http.Client) *AnthropicDriver {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicDriver{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

// Stream sends a streaming Messages request.
func (d *AnthropicDriver) Stream(ctx context.Context, req *Request) (*Stream, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key not configured")
	}
	headers := map[string]string{
		"x-api-key":         d.apiKey,
		"anthropic-version": anthropicVersion,
	}
	resp, err := postJSON(ctx, d.client, d.baseURL+"/v1/messages", headers, d.buildRequest(req), "anthropic")
	if err != nil {
		return nil, err
	}
	return d.newStream(resp.Body), nil
}

func (d *AnthropicDriver) buildRequest(req *Request) anthropicRequest {
	out := anthropicRequest{
		Model:     req.Model,
		System:    req.SystemPrompt,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = anthropicMaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleTool:
			block := anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			// Consecutive tool results belong to one user turn.
			if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == RoleUser && out.Messages[n-1].toolResults {
				out.Messages[n-1].Content = append(out.Messages[n-1].Content, block)
				continue
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: RoleUser, Content: []anthropicBlock{block}, toolResults: true})
		case RoleAssistant:
			msg := anthropicMessage{Role: RoleAssistant}
			if m.Content != "" {
				msg.Content = append(msg.Content, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: schemaOrObject(tc.Arguments)})
			}
			out.Messages = append(out.Messages, msg)
		default:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    RoleUser,
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaOrEmpty(t.Parameters),
		})
	}
	return out
}

// newStream maps Anthropic's per-block events onto Chunks. Text deltas are
// forwarded immediately; a tool_use block is released on content_block_stop
// once its input JSON is complete.
func (d *AnthropicDriver) newStream(body io.ReadCloser) *Stream {
	scanner := newSSEScanner(body)
	tools := map[int]*anthropicPartialToolUse{}

	stream := NewStream(nil, body)
	stream.next = func() (Chunk, error) {
		for {
			if !scanner.Next() {
				if err := scanner.Err(); err != nil {
					return Chunk{}, fmt.Errorf("anthropic: reading stream: %w", err)
				}
				return Chunk{}, fmt.Errorf("anthropic: stream ended without message_stop: %w", io.ErrUnexpectedEOF)
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(scanner.Event().Data), &event); err != nil {
				return Chunk{}, fmt.Errorf("anthropic: parsing stream event: %w", err)
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					stream.SetInputTokens(event.Message.Usage.InputTokens)
					stream.SetOutputTokens(event.Message.Usage.OutputTokens)
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					tools[event.Index] = &anthropicPartialToolUse{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					if event.Delta.Text != "" {
						return Chunk{Text: event.Delta.Text}, nil
					}
				case "input_json_delta":
					if p, ok := tools[event.Index]; ok {
						p.input.WriteString(event.Delta.PartialJSON)
					}
				}

			case "content_block_stop":
				if p, ok := tools[event.Index]; ok {
					delete(tools, event.Index)
					args := strings.TrimSpace(p.input.String())
					if args == "" {
						args = "{}"
					}
					return Chunk{ToolCall: &ToolCall{ID: p.id, Name: p.name, Arguments: json.RawMessage(args)}}, nil
				}

			case "message_delta":
				if event.Usage != nil {
					stream.SetOutputTokens(event.Usage.OutputTokens)
				}

			case "message_stop":
				return Chunk{}, io.EOF

			case "error":
				if event.Error != nil {
					return Chunk{}, &StreamError{Provider: "anthropic", Type: event.Error.Type, Message: event.Error.Message}
				}
				return Chunk{}, &StreamError{Provider: "anthropic", Type: "unknown", Message: "stream error"}
			}
		}
	}
	return stream
}

func schemaOrObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// ── Anthropic wire types ────────────────────────────────────

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`

	toolResults bool
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicPartialToolUse struct {
	id    string
	name  string
	input strings.Builder
}
