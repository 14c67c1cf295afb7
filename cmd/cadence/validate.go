package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cadence/internal/app"
	"cadence/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(cfgPath).Load()
			if err != nil {
				return err
			}
			units, err := app.BuildUnits(cfg)
			if err != nil {
				return err
			}
			messages := 0
			for _, g := range cfg.Groups {
				messages += len(g.Messages)
			}
			for _, g := range cfg.AutoGroups {
				messages += len(g.Messages)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d units, %d messages)\n", cfgPath, len(units), messages)
			return nil
		},
	}
}
