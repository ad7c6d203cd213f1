// Package mcp implements the Model Context Protocol server for graphsync.
// Every tool is read-only: it reports sync state or reads the graph.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	json "github.com/goccy/go-json"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/registry"
	"github.com/ajitpratap0/graphsync/internal/store"
)

// StatusReporter exposes the state of the sync orchestrator.
type StatusReporter interface {
	State() models.RunState
	LastReport() *models.RunReport
}

// MigrationStatuser lists migration ledger state.
type MigrationStatuser interface {
	Status(ctx context.Context) ([]models.MigrationStatus, error)
}

// Server wraps an MCPServer with graphsync dependencies.
type Server struct {
	mcp      *mcpserver.MCPServer
	st       store.Store
	reg      *registry.Registry
	status   StatusReporter
	migrator MigrationStatuser
	logger   *slog.Logger
}

// NewServer creates a new MCP server. If a dependency is nil, the tools
// that need it return an error result instead of panicking.
func NewServer(st store.Store, reg *registry.Registry, status StatusReporter, migrator MigrationStatuser, logger *slog.Logger) *Server {
	s := &Server{
		st:       st,
		reg:      reg,
		status:   status,
		migrator: migrator,
		logger:   logger,
	}

	mcpSrv := mcpserver.NewMCPServer(
		"graphsync",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)

	mcpSrv.AddTool(buildSyncStatusTool(), s.handleSyncStatus)
	mcpSrv.AddTool(buildGetSchemaTool(), s.handleGetSchema)
	mcpSrv.AddTool(buildGetNodeTool(), s.handleGetNode)
	mcpSrv.AddTool(buildMigrationStatusTool(), s.handleMigrationStatus)

	s.mcp = mcpSrv
	return s
}

// MCPServer returns the underlying mcp-go MCPServer for use with ServeStdio.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// HandleSyncStatus is the exported handler for the "sync_status" tool.
// It is exposed for direct testing without the mcp-go transport layer.
func (s *Server) HandleSyncStatus(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleSyncStatus(ctx, req)
}

// HandleGetSchema is the exported handler for the "get_schema" tool.
func (s *Server) HandleGetSchema(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleGetSchema(ctx, req)
}

// HandleGetNode is the exported handler for the "get_node" tool.
func (s *Server) HandleGetNode(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleGetNode(ctx, req)
}

// HandleMigrationStatus is the exported handler for the "migration_status" tool.
func (s *Server) HandleMigrationStatus(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleMigrationStatus(ctx, req)
}

// --- helpers ---

// toolResultJSON marshals v to JSON and returns it as a tool text result.
func toolResultJSON(v any) (*mcpgo.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshaling result: %w", err)
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// --- tool definitions ---

func buildSyncStatusTool() mcpgo.Tool {
	return mcpgo.NewTool("sync_status",
		mcpgo.WithDescription("Report the current sync state and the most recent run report, including per-entity counts and failures."),
	)
}

func buildGetSchemaTool() mcpgo.Tool {
	return mcpgo.NewTool("get_schema",
		mcpgo.WithDescription("Describe the synced graph: entity labels with their properties and node counts, relationship types and metric definitions."),
	)
}

func buildGetNodeTool() mcpgo.Tool {
	return mcpgo.NewTool("get_node",
		mcpgo.WithDescription("Fetch one node by label and guid."),
		mcpgo.WithString("label",
			mcpgo.Required(),
			mcpgo.Description("Node label, e.g. Contact"),
		),
		mcpgo.WithString("guid",
			mcpgo.Required(),
			mcpgo.Description("The node's guid, i.e. the source record identifier"),
		),
	)
}

func buildMigrationStatusTool() mcpgo.Tool {
	return mcpgo.NewTool("migration_status",
		mcpgo.WithDescription("List known schema migrations and whether each is applied."),
	)
}

// --- tool handlers ---

// handleSyncStatus returns the orchestrator state and last report.
func (s *Server) handleSyncStatus(_ context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.status == nil {
		return mcpgo.NewToolResultError("sync status is unavailable"), nil
	}
	result := map[string]any{
		"state":       s.status.State(),
		"last_report": s.status.LastReport(),
	}
	return toolResultJSON(result)
}

// handleGetSchema returns the registry description with node counts.
func (s *Server) handleGetSchema(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.st == nil || s.reg == nil {
		return mcpgo.NewToolResultError("store is unavailable"), nil
	}
	census, err := s.reg.Census(ctx, s.st)
	if err != nil {
		return mcpgo.NewToolResultErrorf("schema failed: %s", err.Error()), nil
	}
	return toolResultJSON(census)
}

// handleGetNode reads one node of a registered label.
func (s *Server) handleGetNode(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.st == nil || s.reg == nil {
		return mcpgo.NewToolResultError("store is unavailable"), nil
	}

	label := req.GetString("label", "")
	guid := req.GetString("guid", "")
	if strings.TrimSpace(label) == "" || strings.TrimSpace(guid) == "" {
		return mcpgo.NewToolResultError("label and guid are required and must not be empty"), nil
	}
	if _, ok := s.reg.EntityByLabel(label); !ok {
		return mcpgo.NewToolResultErrorf("unknown label %q", label), nil
	}

	node, err := s.st.GetNode(ctx, label, guid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcpgo.NewToolResultErrorf("no %s node with guid %q", label, guid), nil
		}
		return mcpgo.NewToolResultErrorf("get node failed: %s", err.Error()), nil
	}
	s.logger.Debug("mcp: get_node", "label", label, "guid", guid)
	return toolResultJSON(node)
}

// handleMigrationStatus lists the migration ledger.
func (s *Server) handleMigrationStatus(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.migrator == nil {
		return mcpgo.NewToolResultError("migration engine is unavailable"), nil
	}
	status, err := s.migrator.Status(ctx)
	if err != nil {
		return mcpgo.NewToolResultErrorf("migration status failed: %s", err.Error()), nil
	}
	return toolResultJSON(map[string]any{"migrations": status})
}
