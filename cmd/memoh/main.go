// Package main is the CLI entry point for the Memoh conversation core.
//
// Memoh connects messaging platforms to an agent gateway: it normalizes
// inbound messages, assembles the full conversation context (history,
// memories, skills, attachments), streams the agent's response back with
// live message editing, and persists every round.
//
// # Basic Usage
//
// Start the server:
//
//	memoh serve --config memoh.yaml
//
// Validate a configuration file without starting:
//
//	memoh config check --config memoh.yaml
//
// # Environment Variables
//
// Configuration values may reference environment variables; the file is
// expanded with ${VAR} syntax before parsing. Commonly used:
//
//   - DATABASE_URL: Postgres connection string
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - MEMOH_GATEWAY_TOKEN: bearer credential for the agent gateway
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "memoh",
		Short:         "Memoh multi-channel conversation core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
