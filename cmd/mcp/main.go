// Escrowmirror MCP Server - exposes escrow views and actions as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowmirror/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("ESCROWMIRROR_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("ESCROWMIRROR_TOKEN"),
	}

	// Without a token every call runs as a viewer.
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "ESCROWMIRROR_TOKEN not set; acting as a read-only viewer")
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
