package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCommand(version, commit, date string) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "prodmon",
		Short: "Product page monitor with change notifications",
		Long: `prodmon watches a product page on an interval, reports price and stock
changes, and sends notifications through the console or a Telegram chat once
you allow it.

Running prodmon without a subcommand opens the terminal UI.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(flags.envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd.Context(), flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "./config.json", "path to config file (json or yaml)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file with PRODMON_* overrides")

	root.AddCommand(
		newTUICommand(flags),
		newAnalyzeCommand(flags),
		newPermissionCommand(flags),
		newNotificationsCommand(flags),
	)
	return root
}

// loadEnvFile applies a dotenv file; a missing file is not an error.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}
