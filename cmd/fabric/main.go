// Package main provides the CLI entry point for the Mewayz realtime fabric.
//
// The fabric keeps authenticated WebSocket connections for platform users,
// routes room traffic between them, and dispatches notifications over
// realtime, in-app, email, SMS and push channels.
//
// # Basic Usage
//
// Start the server:
//
//	fabric serve --config fabric.yaml
//
// Check a configuration file:
//
//	fabric config validate --config fabric.yaml
//
// Print the configuration JSON Schema:
//
//	fabric config schema
//
// # Environment Variables
//
//   - FABRIC_CONFIG: Path to configuration file (default: fabric.yaml)
//
// String values in the configuration file may reference the environment with
// ${VAR}, which is how provider secrets are normally supplied.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "fabric.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fabric",
		Short: "fabric - realtime connection and notification service",
		Long: `fabric holds WebSocket connections for Mewayz users, routes room traffic,
and delivers notifications over realtime, in-app, email, SMS and push.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit flag, then FABRIC_CONFIG, then the
// default file name.
func resolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" && trimmed != defaultConfigPath {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("FABRIC_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
