// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its
// handler in serve.go.
package main

import (
	"fmt"

	"github.com/haasonsaas/memoh/internal/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "memoh.yaml"

// buildServeCmd creates the "serve" command that starts the service.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Memoh conversation core",
		Long: `Start the Memoh conversation core with all configured channels.

The server will:
1. Load configuration from the specified file (or memoh.yaml)
2. Connect to Postgres
3. Start enabled channel adapters (Telegram)
4. Register configured schedules
5. Start the HTTP API and the metrics endpoint

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  memoh serve

  # Start with custom config
  memoh serve --config /etc/memoh/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigCheckCmd())
	return cmd
}

func buildConfigCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"OK: http=%s:%d metrics=%d telegram=%v schedules=%d\n",
				cfg.Server.Host, cfg.Server.HTTPPort, cfg.Server.MetricsPort,
				cfg.Channels.Telegram.Enabled, len(cfg.Schedules))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "memoh %s (%s)\n", version, commit)
		},
	}
}
