package seed_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventdesk/assistant/internal/seed"
	"github.com/eventdesk/assistant/internal/store"
	"github.com/eventdesk/assistant/internal/tools"
	"github.com/eventdesk/assistant/pkg/models"
)

const sample = `
templates:
  - id: sys-event-summary
    usecase: event-summary
    system_prompt: "イベント「{{event.title}}」の要約を作成してください。"
    user_prompt_template: "{{input.message}}"
    is_active: true
    variable_schema:
      event:
        required: [title]
        fields:
          title: {type: string}
          capacity: {type: number, default: 100}
    model_config:
      provider: openai
      model: gpt-4o-mini
      temperature: 0.3
      max_tokens: 1024
tools:
  - name: get_event_details
    description: Look up an event by id
    endpoint: ENDPOINT
    headers:
      X-Internal-Token: secret
    parameters:
      type: object
      properties:
        event_id: {type: string}
      required: [event_id]
`

func TestParseAndApply(t *testing.T) {
	f, err := seed.Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, f.Templates, 1)
	require.Len(t, f.Tools, 1)

	tpl := f.Templates[0]
	assert.True(t, tpl.IsSystem())
	assert.Equal(t, []string{"title"}, tpl.VariableSchema["event"].Required)
	assert.Equal(t, models.FieldNumber, tpl.VariableSchema["event"].Fields["capacity"].Type)
	assert.Equal(t, 1024, tpl.ModelConfig.MaxTokens)

	s := store.NewMemoryStore()
	gw := tools.NewGateway(nil)
	require.NoError(t, seed.Apply(context.Background(), f, s, gw))

	got, err := s.GetActiveTemplate(context.Background(), "any-tenant", "event-summary")
	require.NoError(t, err)
	assert.Equal(t, "sys-event-summary", got.ID)

	defs := gw.Definitions(tools.RoleAdmin)
	require.Len(t, defs, 1)
	assert.Equal(t, "secret", defs[0].Headers["X-Internal-Token"])
	var params map[string]interface{}
	require.NoError(t, json.Unmarshal(defs[0].Parameters, &params))
	assert.Equal(t, "object", params["type"])
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":     "templates:\n  - usecase: x\n    colour: blue\n",
		"missing usecase": "templates:\n  - model_config: {provider: openai, model: gpt-4o}\n",
		"missing model":   "templates:\n  - usecase: x\n",
		"unknown tool":    "tools:\n  - name: delete_everything\n    endpoint: http://x\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := seed.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}

	f, err := seed.Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Templates)
}

func TestLoad_ToolEndpointIsCallable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"title":"Tokyo DevConf"}}`))
	}))
	defer srv.Close()

	doc := []byte(`tools:
  - name: get_event_details
    endpoint: ` + srv.URL + "\n")
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, doc, 0o600))

	f, err := seed.Load(path)
	require.NoError(t, err)
	gw := tools.NewGateway(srv.Client())
	require.NoError(t, seed.Apply(context.Background(), f, store.NewMemoryStore(), gw))

	info := gw.Execute(context.Background(), tools.RoleStaff, models.ToolCallInfo{Tool: tools.GetEventDetails, Args: map[string]interface{}{"event_id": "e1"}})
	assert.Equal(t, models.ToolCallCompleted, info.Status)

	_, err = seed.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	f, err := seed.Load(filepath.Join("..", "..", "config", "seed.example.yaml"))
	require.NoError(t, err)
	require.Len(t, f.Templates, 2)
	assert.Equal(t, "event-summary", f.Templates[0].Usecase)
	assert.Equal(t, []string{"title"}, f.Templates[0].VariableSchema["event"].Required)
	require.Len(t, f.Tools, 2)
	assert.Equal(t, tools.CreateTask, f.Tools[1].Name)
	assert.Equal(t, "eventdesk-assistant", f.Tools[1].Headers["X-Service"])
}
