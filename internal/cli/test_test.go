package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

const failingScenario = `name: wrong_expectation
description: "Expects more versions than one event can make"
start: 2024-03-01T12:00:00Z
steps:
  - event:
      id: e1
      record_id: "1"
      payload:
        title: Dawn
assertions:
  - type: version_count
    record_id: "1"
    count: 5
`

func TestTestCommand_HarnessScenarios(t *testing.T) {
	out, err := execute(t, nil, "test", harnessScenarios, "--golden", harnessGolden)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ idempotent_duplicates")
	assert.Contains(t, out, "Test Summary: 5 passed, 0 failed, 5 total")
}

func TestTestCommand_Filter(t *testing.T) {
	out, err := execute(t, nil, "--format", "json", "test", harnessScenarios, "--golden", harnessGolden, "--filter", "0[12]_*")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 2, resp.Data.Passed)
}

func TestTestCommand_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(failingScenario), 0o644))

	out, err := execute(t, nil, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_expectation")
	assert.Contains(t, out, "1 failed")
}

func TestTestCommand_UpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	data, err := os.ReadFile(filepath.Join(harnessScenarios, "03_idempotent_duplicates.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dup.yaml"), data, 0o644))

	out, err := execute(t, nil, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "golden updated")

	goldenPath := filepath.Join(dir, "golden", "idempotent_duplicates.golden")
	written, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(harnessGolden, "idempotent_duplicates.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	_, err = execute(t, nil, "test", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"scenario_name":"idempotent_duplicates","trace":[]}`), 0o644))
	out, err = execute(t, nil, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_Errors(t *testing.T) {
	_, err := execute(t, nil, "test", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, nil, "test", t.TempDir(), "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := execute(t, nil, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}
