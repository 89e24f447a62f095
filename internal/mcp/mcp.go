// Package mcp implements the Model Context Protocol server for Mitoru.
//
// It exposes the same call operations as the HTTP API through MCP tools,
// so MCP-compatible clients can start, inspect and cancel agent calls.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mitoru-ai/mitoru/internal/coordinator"
	"github.com/mitoru-ai/mitoru/internal/storage"
)

// Server wraps the MCP server with Mitoru's call operations.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     storage.Store
	coord     *coordinator.Coordinator
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(store storage.Store, coord *coordinator.Coordinator, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:  store,
		coord:  coord,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mitoru",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("mitoru_start_call",
			mcplib.WithDescription("Start a tracked call against a registered agent and return its summary"),
			mcplib.WithString("agent_name", mcplib.Description("Registered agent name"), mcplib.Required()),
			mcplib.WithString("query", mcplib.Description("Query passed to the agent as input_data.query"), mcplib.Required()),
			mcplib.WithNumber("max_iterations", mcplib.Description("Reasoning loop bound, 1-100")),
		),
		s.handleStartCall,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mitoru_get_call",
			mcplib.WithDescription("Get the summary of a call by id"),
			mcplib.WithString("call_id", mcplib.Description("Call UUID"), mcplib.Required()),
		),
		s.handleGetCall,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mitoru_list_calls",
			mcplib.WithDescription("List calls for an agent, newest first"),
			mcplib.WithString("agent_name", mcplib.Description("Registered agent name"), mcplib.Required()),
			mcplib.WithString("status", mcplib.Description("Filter by status (pending/running/completed/failed/cancelled)")),
			mcplib.WithNumber("limit", mcplib.Description("Page size, 1-100")),
			mcplib.WithNumber("offset", mcplib.Description("Page offset")),
		),
		s.handleListCalls,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mitoru_get_events",
			mcplib.WithDescription("Get a call's full ordered event history"),
			mcplib.WithString("call_id", mcplib.Description("Call UUID"), mcplib.Required()),
		),
		s.handleGetEvents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mitoru_cancel_call",
			mcplib.WithDescription("Cancel an in-flight call cooperatively"),
			mcplib.WithString("call_id", mcplib.Description("Call UUID"), mcplib.Required()),
		),
		s.handleCancelCall,
	)
}

// errorResult returns a tool error. Tool failures are results, not protocol
// errors: the client sees the message, the MCP session stays healthy.
func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
