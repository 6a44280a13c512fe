package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yangjrun/novellus-sub001/internal/ingest"
	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Server  string
	Timeout time.Duration

	// Client overrides the HTTP client (for testing).
	Client *http.Client
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> <value>",
		Short: "Settle a conflict awaiting manual review",
		Long: `Settle a manual-review conflict through a running pipeline's API.

The value is parsed as JSON; anything that is not valid JSON is sent as a
string. The chosen value is written to the record as a new version.

Exit codes:
  0 - Conflict resolved
  1 - Conflict unknown or already resolved
  2 - Command error (server unreachable, invalid value)

Examples:
  novellus resolve 0190c6c2-... alive
  novellus resolve 0190c6c2-... '["Ann","Annie"]' --server http://pipeline:8080`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "http://localhost:8080", "base URL of the pipeline API")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	return cmd
}

// parseResolveValue reads raw as JSON, falling back to a plain string.
func parseResolveValue(raw string) ir.Value {
	if v, err := ir.UnmarshalValue([]byte(raw)); err == nil {
		return v
	}
	return ir.String(raw)
}

func runResolve(ctx context.Context, opts *ResolveOptions, conflictID, raw string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	value, err := ir.MarshalValue(parseResolveValue(raw))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid value", err)
	}
	body, err := json.Marshal(ingest.ResolveRequest{Value: value})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid value", err)
	}

	endpoint := strings.TrimRight(opts.Server, "/") + "/v1/conflicts/" + url.PathEscape(conflictID) + "/resolve"
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server URL", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return WrapExitError(ExitCommandError, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapExitError(ExitCommandError, "read response", err)
	}

	out := newFormatter(cmd, opts.RootOptions)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		_ = out.Error("E_NOT_FOUND", fmt.Sprintf("conflict %s not found", conflictID), nil)
		return NewExitError(ExitFailure, "conflict not found")
	case http.StatusConflict:
		_ = out.Error("E_ALREADY_RESOLVED", fmt.Sprintf("conflict %s is already resolved", conflictID), nil)
		return NewExitError(ExitFailure, "conflict already resolved")
	default:
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return NewExitError(ExitCommandError, fmt.Sprintf("server returned %s: %s", resp.Status, apiErr.Error))
	}

	var rec ir.ConflictRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return WrapExitError(ExitCommandError, "decode response", err)
	}
	if opts.Format == "json" {
		return out.Success(rec)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s: %s.%s = %s\n",
		rec.ConflictID, rec.RecordID, rec.FieldName, renderValue(rec.ResolvedValue))
	return nil
}
