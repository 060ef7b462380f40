package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusForce bool

var statusCmd = &cobra.Command{
	Use:   "status <user>",
	Short: "Show whether a user is logged in",
	Long: `Show whether a user has a usable Telegram session.

Without --force the answer comes from the session file cache. With --force
the worker container asks Telegram; if no worker is running a one-shot
container is used instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusForce, "force", false, "ask Telegram instead of the session cache")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.svc.CheckStatus(ctx, args[0], statusForce)
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(st)
	}

	state := "not logged in"
	if st.LoggedIn {
		state = "logged in"
	}
	fmt.Printf("%s: %s (source: %s)\n", args[0], state, st.Source)
	if st.User != nil {
		fmt.Printf("  account: %s\n", displayUser(st.User.ID, st.User.Username, st.User.FirstName, st.User.LastName))
	}
	if st.Message != "" {
		fmt.Printf("  %s\n", st.Message)
	}
	return nil
}

// displayUser renders an account as "First Last (@name, id 42)".
func displayUser(id, username, first, last string) string {
	name := first
	if last != "" {
		if name != "" {
			name += " "
		}
		name += last
	}
	var tags []string
	if username != "" {
		tags = append(tags, "@"+username)
	}
	if id != "" {
		tags = append(tags, "id "+id)
	}
	detail := ""
	for i, t := range tags {
		if i > 0 {
			detail += ", "
		}
		detail += t
	}
	switch {
	case name == "" && detail == "":
		return "-"
	case name == "":
		return detail
	case detail == "":
		return name
	}
	return name + " (" + detail + ")"
}
