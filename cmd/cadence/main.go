package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cadence",
		Short: "Periodic message dispatcher for Telegram groups and forum topics",
		Long: `cadence posts configured content into chat groups on fixed, randomized
or cron periods, editing or replacing earlier posts as configured.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	rootCmd.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
