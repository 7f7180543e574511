package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing the escrow tools.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowmirror", "1.0.0")

	client := NewEscrowClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolViewEscrow, h.HandleViewEscrow)
	s.AddTool(ToolActOnEscrow, h.HandleActOnEscrow)
	s.AddTool(ToolListReceipts, h.HandleListReceipts)

	return s
}
