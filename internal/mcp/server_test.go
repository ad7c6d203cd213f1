package mcp_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/graphsync/internal/entity"
	"github.com/ajitpratap0/graphsync/internal/fetch"
	graphmcp "github.com/ajitpratap0/graphsync/internal/mcp"
	"github.com/ajitpratap0/graphsync/internal/migrate"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/registry"
	"github.com/ajitpratap0/graphsync/internal/store"
)

type fakeStatus struct {
	state models.RunState
	last  *models.RunReport
}

func (f fakeStatus) State() models.RunState         { return f.state }
func (f fakeStatus) LastReport() *models.RunReport { return f.last }

// newMCPServer returns a Server backed by a MockStore holding two contacts.
func newMCPServer(t *testing.T) (*graphmcp.Server, *migrate.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ms := store.NewMockStore()
	reg, err := registry.NewBuilder().
		Entity(entity.Definition{Name: "contact", Resource: fetch.Resource{Path: "/contacts"}, Fields: []entity.Field{{Source: "email"}}}).
		Build(ms, logger)
	require.NoError(t, err)
	_, err = ms.MergeNodes(context.Background(), "Contact", []models.Properties{
		{"guid": "c1", "email": "a@acme.test"},
		{"guid": "c2", "email": "b@acme.test"},
	}, time.Now())
	require.NoError(t, err)
	engine, err := migrate.NewEngine(ms, reg.Migrations(), migrate.Options{}, logger)
	require.NoError(t, err)

	status := fakeStatus{
		state: models.StateIdle,
		last:  &models.RunReport{ID: "run-7", Mode: models.ModeFull, State: models.StateDone},
	}
	return graphmcp.NewServer(ms, reg, status, engine, logger), engine
}

// makeReq builds a CallToolRequest with the given arguments.
func makeReq(toolName string, args map[string]any) mcpgo.CallToolRequest {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args
	return req
}

// textContent extracts the first TextContent string from a CallToolResult.
func textContent(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content item")
	tc, ok := result.Content[0].(mcpgo.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func TestSyncStatus(t *testing.T) {
	srv, _ := newMCPServer(t)
	result, err := srv.HandleSyncStatus(context.Background(), makeReq("sync_status", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var body struct {
		State      string            `json:"state"`
		LastReport *models.RunReport `json:"last_report"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &body))
	assert.Equal(t, "idle", body.State)
	require.NotNil(t, body.LastReport)
	assert.Equal(t, "run-7", body.LastReport.ID)
}

func TestGetSchema(t *testing.T) {
	srv, _ := newMCPServer(t)
	result, err := srv.HandleGetSchema(context.Background(), makeReq("get_schema", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var schema registry.Schema
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &schema))
	require.Len(t, schema.Entities, 1)
	assert.Equal(t, "Contact", schema.Entities[0].Label)
	require.NotNil(t, schema.Entities[0].Nodes)
	assert.Equal(t, 2, *schema.Entities[0].Nodes)
}

func TestGetNode(t *testing.T) {
	srv, _ := newMCPServer(t)
	ctx := context.Background()

	result, err := srv.HandleGetNode(ctx, makeReq("get_node", map[string]any{"label": "Contact", "guid": "c2"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	var node models.Node
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &node))
	assert.Equal(t, "b@acme.test", node.Properties["email"])

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing guid", map[string]any{"label": "Contact"}},
		{"blank label", map[string]any{"label": "  ", "guid": "c1"}},
		{"unregistered label", map[string]any{"label": "_Migration", "guid": "1"}},
		{"not found", map[string]any{"label": "Contact", "guid": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := srv.HandleGetNode(ctx, makeReq("get_node", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestMigrationStatus(t *testing.T) {
	srv, engine := newMCPServer(t)
	ctx := context.Background()
	_, err := engine.ApplyPending(ctx)
	require.NoError(t, err)

	result, err := srv.HandleMigrationStatus(ctx, makeReq("migration_status", nil))
	require.NoError(t, err)
	var body struct {
		Migrations []models.MigrationStatus `json:"migrations"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &body))
	require.Len(t, body.Migrations, 1)
	assert.True(t, body.Migrations[0].Applied)
}

func TestNilDependencies(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := graphmcp.NewServer(nil, nil, nil, nil, logger)
	ctx := context.Background()

	for name, handler := range map[string]func(context.Context, mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error){
		"sync_status":      srv.HandleSyncStatus,
		"get_schema":       srv.HandleGetSchema,
		"get_node":         srv.HandleGetNode,
		"migration_status": srv.HandleMigrationStatus,
	} {
		result, err := handler(ctx, makeReq(name, map[string]any{"label": "Contact", "guid": "c1"}))
		require.NoError(t, err, name)
		assert.True(t, result.IsError, name)
	}
	assert.NotNil(t, srv.MCPServer())
}
