package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the gateway, the
// notification dispatcher and the admin API on one listener.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fabric server",
		Long: `Start the fabric server.

The server will:
1. Load configuration from the specified file (or fabric.yaml)
2. Open the user directory, inbox and presence stores
3. Start the WebSocket gateway and its liveness monitor
4. Start the notification dispatcher and any recurring jobs
5. Serve the admin API, health checks and metrics over HTTP
6. Consume queued notification requests when Kafka intake is enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  fabric serve

  # Start with custom config
  fabric serve --config /etc/fabric/production.yaml

  # Start with debug logging
  fabric serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file and report every problem in it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fabric %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
