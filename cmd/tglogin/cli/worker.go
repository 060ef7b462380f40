package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/majorcontext/tglogin/internal/engine"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Show the state of the worker containers",
	Long: `Show each configured worker container and its current state.

The first running candidate is the one forced status checks use.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

type workerRow struct {
	Name  string `json:"name"`
	ID    string `json:"id,omitempty"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	var rows []workerRow
	for _, c := range a.svc.WorkerStatus(ctx) {
		row := workerRow{Name: c.Name, ID: shortID(c.Handle.ID), State: c.State.String()}
		if c.Err != nil {
			row.Error = c.Err.Error()
		}
		rows = append(rows, row)
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No worker containers configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCONTAINER ID\tSTATE\tERROR")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, dash(r.ID), r.State, dash(r.Error))
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// connectEngine is for commands that only need the engine.
func connectEngine(ctx context.Context) (engine.Gateway, error) {
	return engine.Connect(ctx, cfg.Docker.Socket)
}
