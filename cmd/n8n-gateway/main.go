package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()

	root := &cobra.Command{
		Use:   "n8n-gateway",
		Short: "OAuth-protected MCP gateway for the n8n API",
		Long: `n8n-gateway exposes an n8n instance to MCP clients. Clients obtain
bearer tokens through OAuth 2.1 with PKCE; the operator signs in once with
the n8n host and API key that tool calls should use.

Configuration is read from the environment and an optional .env file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	root.AddCommand(serve, newHashPasswordCmd())

	return root
}
