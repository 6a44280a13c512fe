package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/yangjrun/novellus-sub001/internal/ir"
	"github.com/yangjrun/novellus-sub001/internal/store"
)

// DefaultLedger is the ledger path the inspection commands read when
// --ledger is not given. It matches the default configuration.
const DefaultLedger = "novellus.db"

// openLedger opens an existing ledger for the inspection commands. A
// missing file is a command error; store.Open would create an empty one.
func openLedger(path string) (*store.Store, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "ledger path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("ledger not found: %s", path), err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	return st, nil
}

// renderValue prints a payload value as canonical JSON.
func renderValue(v ir.Value) string {
	if v == nil {
		return "-"
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// changedFields lists the field names of a version diff, sorted.
func changedFields(changes map[string]ir.FieldChange) string {
	fields := make([]string, 0, len(changes))
	for f := range changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return strings.Join(fields, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
