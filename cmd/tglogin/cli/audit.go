package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/tglogin/internal/audit"
	"github.com/majorcontext/tglogin/internal/ui"
)

var (
	auditUser  string
	auditLimit int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the login journal",
	Long: `Inspect the hash-chained login journal.

The journal records code requests, sign-ins, failures and container
lifecycle. It never holds codes, passwords or API credentials.`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the login journal",
	Long: `Recompute every entry hash and check that each entry links to its
predecessor. Exits non-zero when the journal was altered.`,
	Args: cobra.NoArgs,
	RunE: runAuditVerify,
}

var auditLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent journal entries",
	Example: `  tglogin audit log
  tglogin audit log --user alice --limit 20`,
	Args: cobra.NoArgs,
	RunE: runAuditLog,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditLogCmd)
	auditLogCmd.Flags().StringVar(&auditUser, "user", "", "only entries for this user key")
	auditLogCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "number of entries to show")
}

func openJournal() (*audit.Journal, error) {
	if !cfg.Audit.Enabled {
		return nil, errors.New("the login journal is disabled (audit.enabled is false)")
	}
	if _, err := os.Stat(cfg.Audit.Path); err != nil {
		return nil, fmt.Errorf("login journal not found at %s: %w", cfg.Audit.Path, err)
	}
	j, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("opening login journal: %w", err)
	}
	return j, nil
}

type verifyResult struct {
	Valid   bool   `json:"valid"`
	Entries uint64 `json:"entries"`
	Error   string `json:"error,omitempty"`
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	n, verr := j.Verify(context.Background())
	var chainErr *audit.ChainError
	if verr != nil && !errors.As(verr, &chainErr) {
		return fmt.Errorf("verification error: %w", verr)
	}
	result := verifyResult{Valid: verr == nil, Entries: n}
	if verr != nil {
		result.Error = verr.Error()
	}

	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
			return err
		}
	} else {
		printVerify(os.Stdout, cfg.Audit.Path, result)
	}
	if !result.Valid {
		return errors.New("tampering detected")
	}
	return nil
}

func printVerify(w io.Writer, path string, r verifyResult) {
	fmt.Fprintf(w, "Verifying journal: %s\n", path)
	if r.Valid {
		fmt.Fprintf(w, "  %s Hash chain: %d entries, no gaps, all hashes valid\n", ui.OKTag(), r.Entries)
		fmt.Fprintf(w, "VERDICT: %s INTACT - No tampering detected\n", ui.OKTag())
		return
	}
	fmt.Fprintf(w, "  %s Hash chain: %d entries verified before the break\n", ui.FailTag(), r.Entries)
	fmt.Fprintf(w, "VERDICT: %s TAMPERED - %s\n", ui.FailTag(), r.Error)
}

func runAuditLog(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := context.Background()
	var entries []*audit.Entry
	if auditUser != "" {
		entries, err = j.ForUser(ctx, auditUser, auditLimit)
	} else {
		entries, err = j.Recent(ctx, auditLimit)
	}
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	if len(entries) == 0 {
		fmt.Println("No journal entries")
		return nil
	}
	return printEntries(os.Stdout, entries)
}

func printEntries(out io.Writer, entries []*audit.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tEVENT\tUSER\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Sequence, e.Timestamp.Local().Format(time.DateTime), e.Event.Type, dash(e.Event.UserKey), entryDetail(e.Event))
	}
	return w.Flush()
}

func entryDetail(ev audit.Event) string {
	var parts []string
	if ev.Phone != "" {
		parts = append(parts, "phone="+ev.Phone)
	}
	if ev.Container != "" {
		parts = append(parts, "container="+ev.Container)
	}
	if ev.RetryAfterSeconds > 0 {
		parts = append(parts, fmt.Sprintf("retry_after=%ds", ev.RetryAfterSeconds))
	}
	if ev.Detail != "" {
		parts = append(parts, ev.Detail)
	}
	if len(parts) == 0 {
		return "-"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}
