package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangjrun/novellus-sub001/internal/config"
)

func TestRun_DryRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out, err := execute(t, ctx, "run", "--dry-run", "--http", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Contains(t, out, "Pipeline started. Listening on 127.0.0.1:0")
}

func TestRun_CreatesLedger(t *testing.T) {
	ledger := filepath.Join(t.TempDir(), "run.db")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := execute(t, ctx, "run", "--ledger", ledger, "--http", "127.0.0.1:0")
	require.NoError(t, err)
	assert.FileExists(t, ledger)

	// The ledger is readable by the inspection commands afterwards.
	out, err := execute(t, nil, "deadletter", "--ledger", ledger)
	require.NoError(t, err)
	assert.Contains(t, out, "No dead letters found.")
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stores:\n  relational:\n    driver: postgres\n"), 0o644))

	_, err := execute(t, nil, "run", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestRun_MissingConfigFile(t *testing.T) {
	_, err := execute(t, nil, "run", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLoadRunConfig_Overrides(t *testing.T) {
	opts := &RunOptions{RootOptions: &RootOptions{}}
	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&opts.Addr, "http", "", "")
	cmd.Flags().StringVar(&opts.Ledger, "ledger", "", "")
	cmd.Flags().StringVar(&opts.ZMQEndpoint, "zmq", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--http", ":9999", "--zmq", "tcp://127.0.0.1:5556"}))

	cfg, err := loadRunConfig(opts, cmd)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, "tcp://127.0.0.1:5556", cfg.ZMQ.Endpoint)
	assert.Equal(t, config.Default().Ledger.Path, cfg.Ledger.Path, "unset flags keep the configured value")

	opts.DryRun = true
	cfg, err = loadRunConfig(opts, cmd)
	require.NoError(t, err)
	assert.Equal(t, config.DriverMemory, cfg.Stores.Relational.Driver)
	assert.Equal(t, config.DriverMemory, cfg.Stores.Document.Driver)
	assert.Empty(t, cfg.Ledger.Path)
}
