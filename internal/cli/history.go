package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Ledger string
}

// HistoryResult is the lineage of one record.
type HistoryResult struct {
	RecordID string             `json:"record_id"`
	Snapshot *ir.RecordSnapshot `json:"snapshot,omitempty"`
	Versions []ir.DataVersion   `json:"versions"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <record-id>",
		Short: "Show the version lineage of a record",
		Long: `Show the retained versions of a record, oldest first, and its
current snapshot, read from the SQLite ledger.

Examples:
  novellus history 42
  novellus history 42 --ledger ./data/novellus.db --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Ledger, "ledger", DefaultLedger, "path to the SQLite ledger")

	return cmd
}

func runHistory(ctx context.Context, opts *HistoryOptions, recordID string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openLedger(opts.Ledger)
	if err != nil {
		return err
	}
	defer st.Close()

	versions, err := st.ReadHistory(ctx, recordID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read history", err)
	}
	snapshots, err := st.LoadSnapshots(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read snapshots", err)
	}

	result := HistoryResult{RecordID: recordID, Versions: versions}
	if result.Versions == nil {
		result.Versions = []ir.DataVersion{}
	}
	for i := range snapshots {
		if snapshots[i].RecordID == recordID {
			result.Snapshot = &snapshots[i]
			break
		}
	}

	out := newFormatter(cmd, opts.RootOptions)
	if opts.Format == "json" {
		return out.Success(result)
	}

	w := cmd.OutOrStdout()
	if len(result.Versions) == 0 && result.Snapshot == nil {
		fmt.Fprintf(w, "No versions found for record: %s\n", recordID)
		return nil
	}
	if result.Snapshot != nil {
		fmt.Fprintf(w, "Record %s: current version %s, payload %s\n",
			recordID, result.Snapshot.VersionID, renderValue(result.Snapshot.Payload))
		if len(result.Snapshot.Provisional) > 0 {
			fmt.Fprintf(w, "Provisional fields: %v\n", result.Snapshot.Provisional)
		}
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(result.Versions))
	for _, v := range result.Versions {
		rows = append(rows, []string{
			v.VersionID,
			orDash(v.ParentVersionID),
			v.EventID,
			orDash(v.Source),
			v.Timestamp.UTC().Format(time.RFC3339),
			changedFields(v.Changes),
		})
	}
	return out.Table([]string{"VERSION", "PARENT", "EVENT", "SOURCE", "TIMESTAMP", "CHANGED"}, rows)
}
