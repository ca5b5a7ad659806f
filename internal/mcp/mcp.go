// Package mcp implements the Model Context Protocol server for keisan.
//
// It exposes formula preview and metric calculation as MCP tools, the formula
// catalog and a company's calculated metrics as resources, and a prompt that
// walks an agent through authoring a formula.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/keisan/internal/service/metrics"
)

// Server wraps the MCP server with keisan's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *metrics.Service
	defs      metrics.DefinitionStore
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources and
// prompts registered.
func New(svc *metrics.Service, defs metrics.DefinitionStore, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		defs:   defs,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"keisan",
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
