package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventdesk/assistant/internal/tools"
	"github.com/eventdesk/assistant/pkg/models"
)

func TestHasToolPermission(t *testing.T) {
	tests := []struct {
		role string
		tool string
		want bool
	}{
		{tools.RoleAdmin, tools.GenerateReport, true},
		{tools.RoleOrganizer, tools.DraftEmail, true},
		{tools.RoleStaff, tools.CreateTask, true},
		{tools.RoleStaff, tools.DraftEmail, false},
		{tools.RoleViewer, tools.ListSpeakers, true},
		{tools.RoleViewer, tools.CreateTask, false},
		{tools.RoleAdmin, "drop_database", false},
		{"guest", tools.GetEventDetails, false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := tools.HasToolPermission(tt.role, tt.tool); got != tt.want {
			t.Errorf("HasToolPermission(%q, %q) = %v, want %v", tt.role, tt.tool, got, tt.want)
		}
	}
}

func TestToolsForRole(t *testing.T) {
	assert.Equal(t, []string{tools.GetEventDetails, tools.ListSpeakers}, tools.ToolsForRole(tools.RoleViewer))
	assert.Len(t, tools.ToolsForRole(tools.RoleAdmin), 7)
	assert.Empty(t, tools.ToolsForRole("unknown"))

	for _, role := range []string{tools.RoleAdmin, tools.RoleOrganizer, tools.RoleStaff, tools.RoleViewer} {
		for _, tool := range tools.ToolsForRole(role) {
			assert.True(t, tools.HasToolPermission(role, tool))
			assert.True(t, tools.IsKnownTool(tool))
		}
	}
}

func echoHandler(_ context.Context, args map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"echo": args["event_id"]}, nil
}

func TestGateway_ExecuteInProcess(t *testing.T) {
	gw := tools.NewGateway(nil)
	require.NoError(t, gw.Register(tools.Definition{Name: tools.GetEventDetails, Handler: echoHandler}))

	got := gw.Execute(context.Background(), tools.RoleViewer, models.ToolCallInfo{
		Tool: tools.GetEventDetails,
		Args: map[string]interface{}{"event_id": "e1"},
	})
	assert.Equal(t, models.ToolCallCompleted, got.Status)
	assert.Equal(t, map[string]interface{}{"echo": "e1"}, got.Result)
	assert.NotEmpty(t, got.ID)
}

func TestGateway_DeniedIsErrorNotSkipped(t *testing.T) {
	called := false
	gw := tools.NewGateway(nil)
	require.NoError(t, gw.Register(tools.Definition{
		Name: tools.CreateTask,
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			called = true
			return nil, nil
		},
	}))

	got := gw.Execute(context.Background(), tools.RoleViewer, models.ToolCallInfo{Tool: tools.CreateTask})
	assert.Equal(t, models.ToolCallError, got.Status)
	assert.Contains(t, got.Result.(map[string]string)["error"], "Permission denied")
	assert.False(t, called, "denied tool must not run")
}

func TestGateway_UnregisteredAndFailingTools(t *testing.T) {
	gw := tools.NewGateway(nil)
	require.NoError(t, gw.Register(tools.Definition{
		Name: tools.GenerateReport,
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("report backend down")
		},
	}))

	got := gw.Execute(context.Background(), tools.RoleAdmin, models.ToolCallInfo{Tool: tools.DraftEmail})
	assert.Equal(t, models.ToolCallError, got.Status)

	got = gw.Execute(context.Background(), tools.RoleAdmin, models.ToolCallInfo{Tool: tools.GenerateReport})
	assert.Equal(t, models.ToolCallError, got.Status)
	assert.Contains(t, got.Result.(map[string]string)["error"], "report backend down")
}

func TestGateway_Register(t *testing.T) {
	gw := tools.NewGateway(nil)
	assert.Error(t, gw.Register(tools.Definition{}))
	assert.Error(t, gw.Register(tools.Definition{Name: tools.ListSpeakers}))
	assert.Error(t, gw.Register(tools.Definition{Name: tools.ListSpeakers, Endpoint: "http://x", Handler: echoHandler}))
}

func TestGateway_Definitions(t *testing.T) {
	gw := tools.NewGateway(nil)
	for _, name := range []string{tools.GenerateReport, tools.ListSpeakers, tools.GetEventDetails} {
		require.NoError(t, gw.Register(tools.Definition{Name: name, Handler: echoHandler}))
	}

	var names []string
	for _, d := range gw.Definitions(tools.RoleViewer) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{tools.GetEventDetails, tools.ListSpeakers}, names)
	assert.Len(t, gw.Definitions(tools.RoleAdmin), 3)
}

func TestGateway_ExecuteJSONRPC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Tool-Key"))

		var req struct {
			Method string `json:"method"`
			Params struct {
				Name      string                 `json:"name"`
				Arguments map[string]interface{} `json:"arguments"`
			} `json:"params"`
			ID string `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tools/call", req.Method)

		if req.Params.Arguments["fail"] == true {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32001, "message": "no such participant list"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]interface{}{"tool": req.Params.Name, "count": 42},
		})
	}))
	defer srv.Close()

	gw := tools.NewGateway(srv.Client())
	require.NoError(t, gw.Register(tools.Definition{
		Name:     tools.ListParticipants,
		Endpoint: srv.URL,
		Headers:  map[string]string{"X-Tool-Key": "secret"},
	}))

	got := gw.Execute(context.Background(), tools.RoleStaff, models.ToolCallInfo{Tool: tools.ListParticipants})
	require.Equal(t, models.ToolCallCompleted, got.Status)
	assert.Equal(t, map[string]interface{}{"tool": "list_participants", "count": float64(42)}, got.Result)

	got = gw.Execute(context.Background(), tools.RoleStaff, models.ToolCallInfo{
		Tool: tools.ListParticipants,
		Args: map[string]interface{}{"fail": true},
	})
	assert.Equal(t, models.ToolCallError, got.Status)
	assert.Contains(t, got.Result.(map[string]string)["error"], "no such participant list")
}
