package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// DeadLetterOptions holds flags for the deadletter command.
type DeadLetterOptions struct {
	*RootOptions
	Ledger string
	Kind   string
}

var validDeadLetterKinds = map[string]bool{
	string(ir.DeadLetterExhausted):    true,
	string(ir.DeadLetterValidation):   true,
	string(ir.DeadLetterBackpressure): true,
	string(ir.DeadLetterShutdown):     true,
}

// NewDeadLetterCommand creates the deadletter command.
func NewDeadLetterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLetterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "List dead-lettered events",
		Long: `List events that could not be applied, read from the SQLite ledger.

Kinds: retries_exhausted, validation, backpressure, shutdown.

Examples:
  novellus deadletter
  novellus deadletter --kind retries_exhausted --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetters(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Ledger, "ledger", DefaultLedger, "path to the SQLite ledger")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only dead letters of this kind")

	return cmd
}

func runDeadLetters(ctx context.Context, opts *DeadLetterOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Kind != "" && !validDeadLetterKinds[opts.Kind] {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown dead letter kind %q", opts.Kind))
	}

	st, err := openLedger(opts.Ledger)
	if err != nil {
		return err
	}
	defer st.Close()

	all, err := st.LoadDeadLetters(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read dead letters", err)
	}
	letters := make([]ir.DeadLetter, 0, len(all))
	for _, dl := range all {
		if opts.Kind == "" || string(dl.Kind) == opts.Kind {
			letters = append(letters, dl)
		}
	}

	out := newFormatter(cmd, opts.RootOptions)
	if opts.Format == "json" {
		return out.Success(letters)
	}
	if len(letters) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead letters found.")
		return nil
	}

	rows := make([][]string, 0, len(letters))
	for _, dl := range letters {
		rows = append(rows, []string{
			dl.Event.EventID,
			orDash(dl.Event.RecordID),
			string(dl.Kind),
			strconv.Itoa(dl.Event.RetryCount),
			dl.FailedAt.UTC().Format(time.RFC3339),
			dl.Error,
		})
	}
	return out.Table([]string{"EVENT", "RECORD", "KIND", "RETRIES", "FAILED_AT", "ERROR"}, rows)
}
