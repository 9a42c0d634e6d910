// Package mcp exposes the bridge over the Model Context Protocol so that an
// agent CLI can itself drive twin-agent conversations as tools.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tab-bridge/tab/internal/port/agent"
	"github.com/tab-bridge/tab/internal/service"
)

// Deps are the collaborators the MCP tools call into. Nil fields disable the
// tools that need them; the handlers answer with a tool error instead.
type Deps struct {
	Manager  *service.Manager
	Registry *agent.Registry
}

// Server wraps an MCP server with the bridge tool set.
type Server struct {
	mcpServer *mcpserver.MCPServer
	deps      Deps
	log       *slog.Logger
}

// NewServer builds the server and registers all tools.
func NewServer(deps Deps, version string, log *slog.Logger) *Server {
	s := &Server{
		mcpServer: mcpserver.NewMCPServer("tab", version,
			mcpserver.WithToolCapabilities(false),
		),
		deps: deps,
		log:  log.With("service", "mcp"),
	}
	s.registerTools()
	return s
}

// MCPServer exposes the underlying server for embedding and tests.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks serving MCP over stdin/stdout until the client hangs up.
func (s *Server) ServeStdio() error {
	s.log.Info("mcp server listening on stdio")
	return mcpserver.ServeStdio(s.mcpServer)
}

func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
