package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/eventdesk/assistant/pkg/models"
)

// Handler runs a tool in-process.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition registers one tool with the gateway. Exactly one of Handler
// or Endpoint must be set; Endpoint is called with a JSON-RPC 2.0
// "tools/call" request.
type Definition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Parameters  json.RawMessage   `yaml:"-"`
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	Handler     Handler           `yaml:"-"`
}

// Gateway holds registered tools and executes permitted calls.
type Gateway struct {
	client *http.Client

	mu    sync.RWMutex
	tools map[string]Definition
}

// NewGateway creates an empty gateway. A nil client gets a 30s timeout.
func NewGateway(client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Gateway{client: client, tools: make(map[string]Definition)}
}

// Register adds or replaces a tool.
func (gw *Gateway) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if (def.Handler == nil) == (def.Endpoint == "") {
		return fmt.Errorf("tool %s: exactly one of handler or endpoint is required", def.Name)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.tools[def.Name] = def
	return nil
}

// Definitions returns the registered tools role may run, in canonical order.
func (gw *Gateway) Definitions(role string) []Definition {
	gw.mu.RLock()
	defer gw.mu.RUnlock()

	var out []Definition
	for _, name := range ToolsForRole(role) {
		if def, ok := gw.tools[name]; ok {
			out = append(out, def)
		}
	}
	return out
}

// Execute runs call on behalf of role. The permission gate runs first; a
// denied, unknown or failed call comes back with status error and the
// reason in Result. The returned call is never pending.
func (gw *Gateway) Execute(ctx context.Context, role string, call models.ToolCallInfo) models.ToolCallInfo {
	out := call
	if out.ID == "" {
		out.ID = uuid.New().String()
	}

	if !HasToolPermission(role, call.Tool) {
		log.Warn().Str("role", role).Str("tool", call.Tool).Msg("Tool call denied")
		return failed(out, fmt.Sprintf("Permission denied: role '%s' may not use tool '%s'", role, call.Tool))
	}

	gw.mu.RLock()
	def, ok := gw.tools[call.Tool]
	gw.mu.RUnlock()
	if !ok {
		return failed(out, fmt.Sprintf("Tool '%s' is not available", call.Tool))
	}

	args := call.Args
	if args == nil {
		args = map[string]interface{}{}
	}

	var result interface{}
	var err error
	if def.Handler != nil {
		result, err = def.Handler(ctx, args)
	} else {
		result, err = gw.callEndpoint(ctx, def, args)
	}
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Tool).Msg("Tool execution failed")
		return failed(out, fmt.Sprintf("Tool execution error: %s", err.Error()))
	}

	out.Result = result
	out.Status = models.ToolCallCompleted
	return out
}

func failed(call models.ToolCallInfo, reason string) models.ToolCallInfo {
	call.Status = models.ToolCallError
	call.Result = map[string]string{"error": reason}
	return call
}

// ── JSON-RPC transport ──────────────────────────────────────

type rpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      string      `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (gw *Gateway) callEndpoint(ctx context.Context, def Definition, args map[string]interface{}) (interface{}, error) {
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		Method:  "tools/call",
		Params:  map[string]interface{}{"name": def.Name, "arguments": args},
		ID:      uuid.New().String(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, def.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range def.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := gw.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var rpc rpcResponse
	if err := json.Unmarshal(raw, &rpc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("%s (code %d)", rpc.Error.Message, rpc.Error.Code)
	}

	var result interface{}
	if len(rpc.Result) > 0 {
		if err := json.Unmarshal(rpc.Result, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return result, nil
}
