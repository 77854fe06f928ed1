package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/batchd/internal/credential"
	httpapi "github.com/fyrsmithlabs/batchd/internal/http"
	"github.com/fyrsmithlabs/batchd/internal/monitor"
)

var statusJSON bool

// statusCmd prints a one-shot view of a running batch
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running batch",
	Long: `Query the status API of a running "batchd run --serve" and print the
batch progress, worker slots and credential pool.

Examples:
  batchd status
  batchd status --json
  batchd status --server http://10.0.0.5:9464`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

// reinstateCmd returns a quarantined credential to the pool early
var reinstateCmd = &cobra.Command{
	Use:   "reinstate <ref>",
	Short: "Return a quarantined credential to the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := monitor.NewStatusClient(serverURL).Reinstate(ctx, args[0]); err != nil {
			return fmt.Errorf("reinstate %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s reinstated\n", args[0])
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	client := monitor.NewStatusClient(serverURL)
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", serverURL, err)
	}
	creds, err := client.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", serverURL, err)
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Status      httpapi.StatusResponse      `json:"status"`
			Credentials httpapi.CredentialsResponse `json:"credentials"`
		}{st, creds})
	}
	printStatus(cmd.OutOrStdout(), st, creds.Credentials, time.Now())
	return nil
}

// printStatus renders the status API responses as plain text.
func printStatus(out io.Writer, st httpapi.StatusResponse, creds []credential.Info, now time.Time) {
	fmt.Fprintf(out, "Status:  %s\n", st.Status)
	if st.Version != "" {
		fmt.Fprintf(out, "Version: %s\n", st.Version)
	}
	if b := st.Batch; b != nil {
		fmt.Fprintf(out, "Batch:   %s (%s elapsed)\n", b.BatchID, monitor.FormatDuration(int64(b.ElapsedSeconds)))
		fmt.Fprintf(out, "Tasks:   %d/%d done, %d running, %d pending, %d failed, %d attempts\n",
			b.Terminal(), b.Total, b.Running, b.Pending, b.Failed, b.Attempts)
	}
	fmt.Fprintf(out, "Slots:   %d/%d in use\n", st.Slots.InUse, st.Slots.Capacity)
	if st.Credentials.AllExhausted() {
		fmt.Fprintf(out, "All credentials exhausted, next expiry %s\n", monitor.FormatUntil(st.Credentials.NextExpiry, now))
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REF\tSTATUS\tLEASES\tQUARANTINES\tUNTIL")
	for _, info := range creds {
		until := info.QuarantinedUntil
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", info.Ref, info.Status, info.Leases, info.Quarantines, monitor.FormatUntil(&until, now))
	}
	_ = w.Flush()
}
