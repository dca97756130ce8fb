package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mewayz/fabric/internal/config"
)

// runConfigValidate loads the file the same way serve does and prints each
// validation issue on its own line.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		var verr *config.ConfigValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(out, "%s: %d problem(s)\n", configPath, len(verr.Issues))
			for _, issue := range verr.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
		}
		return err
	}
	fmt.Fprintf(out, "%s: ok\n", configPath)
	fmt.Fprintf(out, "  listen:    %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "  storage:   %s\n", cfg.Storage.Driver)
	fmt.Fprintf(out, "  recurring: %d job(s)\n", len(cfg.Notifications.Recurring))
	fmt.Fprintf(out, "  kafka:     %t\n", cfg.Intake.Kafka.Enabled)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}
