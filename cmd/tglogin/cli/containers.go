package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/tglogin/internal/lifecycle"
)

var containersCmd = &cobra.Command{
	Use:   "containers",
	Short: "List tglogin-managed containers",
	Long: `List login and one-shot containers created by tglogin.

This is an escape hatch for debugging. A healthy idle service has none;
use 'tglogin sweep' to remove leftovers.`,
	Args: cobra.NoArgs,
	RunE: runContainers,
}

func init() {
	rootCmd.AddCommand(containersCmd)
}

type containerRow struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Role    string    `json:"role,omitempty"`
	State   string    `json:"state"`
	Created time.Time `json:"created"`
}

func runContainers(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	gw, err := connectEngine(ctx)
	if err != nil {
		return err
	}
	defer gw.Close()

	list, err := gw.ListContainers(ctx, cfg.Sessions.NamePrefix)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	rows := make([]containerRow, 0, len(list))
	for _, c := range list {
		rows = append(rows, containerRow{
			ID:      shortID(c.ID),
			Name:    c.Name,
			Role:    c.Labels[lifecycle.RoleLabel],
			State:   c.State.String(),
			Created: c.Created,
		})
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No tglogin containers found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER ID\tNAME\tROLE\tSTATE\tCREATED")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, dash(r.Role), r.State, formatAge(r.Created))
	}
	w.Flush()

	fmt.Println()
	fmt.Println("To remove a container: docker rm -f <container-id>")
	fmt.Println("To view logs: docker logs <container-id>")
	return nil
}

func formatAge(t time.Time) string {
	return formatAgeAt(t, time.Now())
}

func formatAgeAt(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
