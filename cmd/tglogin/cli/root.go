// Package cli implements the tglogin command-line interface using Cobra.
// It runs the login API and offers operator commands for inspecting
// workers, login containers and the login journal.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/majorcontext/tglogin/internal/config"
	"github.com/majorcontext/tglogin/internal/log"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tglogin",
	Short: "tglogin - interactive Telegram login in ephemeral containers",
	Long: `tglogin drives interactive Telegram logins for many users.
Each login runs in a short-lived per-user container that is removed once
the flow ends or goes idle. Status checks run in the long-running worker.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		// Prompting commands keep stderr quiet below Warn.
		interactive := cmd.Annotations["interactive"] == "true"
		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			Interactive:   interactive,
			Dir:           cfg.Debug.Dir,
			RetentionDays: cfg.Debug.RetentionDays,
		}); err != nil {
			// Non-fatal: logging falls back to stderr only.
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath+")")
}
