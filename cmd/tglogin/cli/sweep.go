package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/tglogin/internal/lifecycle"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove leftover login and one-shot containers",
	Long: `Remove tglogin containers older than --older-than (default
sessions.idle_ttl). Use --older-than 0 to remove all of them.

A running server removes its own leftovers at startup and sweeps idle
containers periodically. Sweeping with a short --older-than while it runs
can interrupt logins in progress.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var sweepOlderThan time.Duration

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", -1, "minimum container age (default sessions.idle_ttl)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	gw, err := connectEngine(ctx)
	if err != nil {
		return err
	}
	defer gw.Close()

	age := cfg.Sessions.IdleTTL
	if sweepOlderThan >= 0 {
		age = sweepOlderThan
	}
	if age <= 0 {
		// A zero TTL means the default to the manager.
		age = time.Nanosecond
	}
	mgr := lifecycle.NewManager(gw, lifecycle.Config{
		IdleTTL:     age,
		StopTimeout: cfg.Sessions.StopTimeout,
		NamePrefix:  cfg.Sessions.NamePrefix,
	})
	removed, err := mgr.SweepOrphans(ctx)
	if jsonOut {
		if encErr := json.NewEncoder(os.Stdout).Encode(map[string]any{"removed": removed}); encErr != nil {
			return encErr
		}
		return err
	}
	for _, name := range removed {
		fmt.Printf("removed %s\n", name)
	}
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Println("Nothing to remove")
	}
	return nil
}
