package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	graphmcp "github.com/ajitpratap0/graphsync/internal/mcp"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP (Model Context Protocol) server over stdio",
		Long: `Starts an MCP JSON-RPC 2.0 server that reads from stdin and writes to stdout.
All diagnostic logs go to stderr so that stdout remains exclusively MCP protocol traffic.

Tools exposed:
  sync_status       current sync state and the last run report
  get_schema        entity labels with node counts, relationships, metrics
  get_node          one node by label and guid
  migration_status  known migrations and whether each is applied

If Neo4j is unavailable at startup the server still starts;
individual tool calls will return MCP error responses.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			var srv *graphmcp.Server
			rt, rtErr := newRuntime(ctx, logger, false)
			if rtErr != nil {
				// Tool calls will return per-call errors rather than crashing.
				logger.Error("mcp: failed to connect to graph store; tool calls requiring storage will fail",
					"error", rtErr)
				srv = graphmcp.NewServer(nil, nil, nil, nil, logger)
			} else {
				defer func() { _ = rt.Close() }()
				// No sync runs in this process, so there is no status to report.
				srv = graphmcp.NewServer(rt.st, rt.reg, nil, rt.migrator, logger)
			}

			errLogger := log.New(os.Stderr, "mcp: ", log.LstdFlags)

			logger.Info("mcp: graphsync MCP server starting", "transport", "stdio")

			return mcpserver.ServeStdio(
				srv.MCPServer(),
				mcpserver.WithErrorLogger(errLogger),
			)
		},
	}

	return cmd
}
