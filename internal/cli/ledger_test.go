package cli

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

func TestHistory_Text(t *testing.T) {
	ledger := seedLedger(t)

	out, err := execute(t, nil, "history", "42", "--ledger", ledger)
	require.NoError(t, err)

	assert.Contains(t, out, "Record 42: current version v2")
	assert.Contains(t, out, "Provisional fields: [status]")
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "2024-03-01T12:01:00Z")
	assert.Less(t, strings.Index(out, "v1 "), strings.Index(out, "v2 "), "versions are listed oldest first")
}

func TestHistory_JSON(t *testing.T) {
	ledger := seedLedger(t)

	out, err := execute(t, nil, "--format", "json", "history", "42", "--ledger", ledger)
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   HistoryResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Versions, 2)
	assert.Equal(t, "v1", resp.Data.Versions[0].VersionID)
	assert.Equal(t, "v1", resp.Data.Versions[1].ParentVersionID)
	require.NotNil(t, resp.Data.Snapshot)
	assert.Equal(t, ir.String("dead"), resp.Data.Snapshot.Payload["status"])
}

func TestHistory_UnknownRecord(t *testing.T) {
	out, err := execute(t, nil, "history", "nope", "--ledger", seedLedger(t))
	require.NoError(t, err)
	assert.Contains(t, out, "No versions found for record: nope")
}

func TestHistory_MissingLedger(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.db")

	_, err := execute(t, nil, "history", "42", "--ledger", missing)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "ledger not found")
	assert.NoFileExists(t, missing)
}

func TestConflicts(t *testing.T) {
	ledger := seedLedger(t)

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
	}{
		{
			name: "all",
			want: []string{"c1", "c2", "resolved", "pending", `"Anne"`},
		},
		{
			name:    "unresolved only",
			args:    []string{"--unresolved"},
			want:    []string{"c2", "manual_review"},
			notWant: []string{"c1 "},
		},
		{
			name: "other record",
			args: []string{"--record", "7"},
			want: []string{"No conflicts found."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"conflicts", "--ledger", ledger}, tt.args...)
			out, err := execute(t, nil, args...)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
			for _, w := range tt.notWant {
				assert.NotContains(t, out, w)
			}
		})
	}
}

func TestConflicts_JSON(t *testing.T) {
	out, err := execute(t, nil, "--format", "json", "conflicts", "--unresolved", "--ledger", seedLedger(t))
	require.NoError(t, err)

	var resp struct {
		Data []ir.ConflictRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "c2", resp.Data[0].ConflictID)
	assert.False(t, resp.Data[0].Resolved)
	assert.Equal(t, ir.String("dead"), resp.Data[0].RemoteValue)
}

func TestDeadLetter(t *testing.T) {
	ledger := seedLedger(t)

	out, err := execute(t, nil, "deadletter", "--ledger", ledger)
	require.NoError(t, err)
	assert.Contains(t, out, "e9")
	assert.Contains(t, out, "retries_exhausted")
	assert.Contains(t, out, "record_id is required")

	out, err = execute(t, nil, "deadletter", "--ledger", ledger, "--kind", "validation")
	require.NoError(t, err)
	assert.Contains(t, out, "e10")
	assert.NotContains(t, out, "e9")

	out, err = execute(t, nil, "deadletter", "--ledger", ledger, "--kind", "shutdown")
	require.NoError(t, err)
	assert.Contains(t, out, "No dead letters found.")
}

func TestDeadLetter_JSON(t *testing.T) {
	out, err := execute(t, nil, "--format", "json", "deadletter", "--ledger", seedLedger(t), "--kind", "retries_exhausted")
	require.NoError(t, err)

	var resp struct {
		Data []ir.DeadLetter `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 4, resp.Data[0].Event.RetryCount)
}

func TestDeadLetter_UnknownKind(t *testing.T) {
	_, err := execute(t, nil, "deadletter", "--ledger", seedLedger(t), "--kind", "bogus")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestChangedFields(t *testing.T) {
	assert.Equal(t, "a,b", changedFields(map[string]ir.FieldChange{"b": {}, "a": {}}))
	assert.Equal(t, "", changedFields(nil))
	assert.Equal(t, "-", renderValue(nil))
	assert.Equal(t, `{"x":1}`, renderValue(ir.Object{"x": ir.Int(1)}))
}
