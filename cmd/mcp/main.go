// Slicepay operator MCP server - exposes dispute and payout operations as
// MCP tools for LLM-driven operators.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/slicepay/internal/authz"
	"github.com/mbd888/slicepay/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:         envOrDefault("SLICEPAY_API_URL", "http://localhost:8080"),
		IdentitySecret: os.Getenv("IDENTITY_SECRET"),
		OperatorID:     envOrDefault("SLICEPAY_OPERATOR_ID", "mcp_operator"),
		Role:           authz.Role(envOrDefault("SLICEPAY_OPERATOR_ROLE", string(authz.RoleSystem))),
		Currency:       envOrDefault("CURRENCY", "EUR"),
	}

	if cfg.IdentitySecret == "" {
		fmt.Fprintln(os.Stderr, "IDENTITY_SECRET is required")
		os.Exit(1)
	}
	if !cfg.Role.Valid() {
		fmt.Fprintf(os.Stderr, "SLICEPAY_OPERATOR_ROLE %q is not a known role\n", cfg.Role)
		os.Exit(1)
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
