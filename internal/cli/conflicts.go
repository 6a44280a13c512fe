package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	Ledger     string
	Unresolved bool
	RecordID   string
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List logged field conflicts",
		Long: `List the conflict log from the SQLite ledger in detection order.

Examples:
  novellus conflicts
  novellus conflicts --unresolved
  novellus conflicts --record 42 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Ledger, "ledger", DefaultLedger, "path to the SQLite ledger")
	cmd.Flags().BoolVar(&opts.Unresolved, "unresolved", false, "only conflicts awaiting manual review")
	cmd.Flags().StringVar(&opts.RecordID, "record", "", "only conflicts on this record")

	return cmd
}

func runConflicts(ctx context.Context, opts *ConflictsOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openLedger(opts.Ledger)
	if err != nil {
		return err
	}
	defer st.Close()

	var records []ir.ConflictRecord
	if opts.Unresolved {
		records, err = st.ReadUnresolvedConflicts(ctx)
	} else {
		records, err = st.LoadConflicts(ctx)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read conflicts", err)
	}

	filtered := make([]ir.ConflictRecord, 0, len(records))
	for _, c := range records {
		if opts.RecordID == "" || c.RecordID == opts.RecordID {
			filtered = append(filtered, c)
		}
	}

	out := newFormatter(cmd, opts.RootOptions)
	if opts.Format == "json" {
		return out.Success(filtered)
	}
	if len(filtered) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conflicts found.")
		return nil
	}

	rows := make([][]string, 0, len(filtered))
	for _, c := range filtered {
		status := "resolved"
		if !c.Resolved {
			status = "pending"
		}
		rows = append(rows, []string{
			c.ConflictID,
			c.RecordID,
			c.FieldName,
			string(c.Strategy),
			renderValue(c.LocalValue),
			renderValue(c.RemoteValue),
			status,
			renderValue(c.ResolvedValue),
		})
	}
	return out.Table([]string{"CONFLICT", "RECORD", "FIELD", "STRATEGY", "LOCAL", "REMOTE", "STATUS", "VALUE"}, rows)
}
