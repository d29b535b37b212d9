package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all operator tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("slicepay-operator", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolDeliberateDispute, h.HandleDeliberateDispute)
	s.AddTool(ToolFinalizeDispute, h.HandleFinalizeDispute)
	s.AddTool(ToolRunDailyPayout, h.HandleRunDailyPayout)
	s.AddTool(ToolGetPayout, h.HandleGetPayout)
	s.AddTool(ToolReconcilePayouts, h.HandleReconcilePayouts)
	s.AddTool(ToolMarkCommentHelpful, h.HandleMarkCommentHelpful)

	return s
}
