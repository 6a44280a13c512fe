package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yangjrun/novellus-sub001/internal/backend/memory"
	"github.com/yangjrun/novellus-sub001/internal/backend/postgres"
	"github.com/yangjrun/novellus-sub001/internal/backend/surreal"
	"github.com/yangjrun/novellus-sub001/internal/config"
	"github.com/yangjrun/novellus-sub001/internal/engine"
	"github.com/yangjrun/novellus-sub001/internal/ingest"
	"github.com/yangjrun/novellus-sub001/internal/metrics"
	"github.com/yangjrun/novellus-sub001/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath  string
	Addr        string
	Ledger      string
	ZMQEndpoint string
	DryRun      bool

	// IDs overrides the ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs engine.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline",
		Long: `Start the change pipeline with its ingestion endpoints.

The pipeline opens the SQLite ledger (creating it if it doesn't exist),
restores snapshots, conflicts and dead letters from it, connects the
configured relational and document stores, and serves the HTTP API. When
a ZeroMQ endpoint is configured it also subscribes to it.

On SIGINT or SIGTERM the pipeline stops accepting events, finishes the
events in flight and dead-letters whatever is still buffered.

Example:
  novellus run --config ./novellus.yaml
  novellus run --dry-run --http 127.0.0.1:9090 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML configuration")
	cmd.Flags().StringVar(&opts.Addr, "http", "", "HTTP listen address (overrides http.addr)")
	cmd.Flags().StringVar(&opts.Ledger, "ledger", "", "path to the SQLite ledger (overrides ledger.path)")
	cmd.Flags().StringVar(&opts.ZMQEndpoint, "zmq", "", "ZeroMQ endpoint to subscribe to (overrides zmq.endpoint)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "use in-memory stores and no ledger")

	return cmd
}

// loadRunConfig reads the configuration file and applies flag overrides.
func loadRunConfig(opts *RunOptions, cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	flags := cmd.Flags()
	if flags.Changed("http") {
		cfg.HTTP.Addr = opts.Addr
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Path = opts.Ledger
	}
	if flags.Changed("zmq") {
		cfg.ZMQ.Endpoint = opts.ZMQEndpoint
	}
	if opts.DryRun {
		cfg.Stores.Relational.Driver = config.DriverMemory
		cfg.Stores.Document.Driver = config.DriverMemory
		cfg.Ledger.Path = ""
	}

	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// backends is everything the engine needs from outside the process.
type backends struct {
	deps    engine.Deps
	health  map[string]ingest.HealthCheck
	closers []func() error
}

func (b *backends) close(logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Error("error closing backend", "error", err)
		}
	}
}

// openBackends connects the ledger and both stores named by cfg. On error
// everything opened so far is closed.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (b *backends, err error) {
	b = &backends{health: make(map[string]ingest.HealthCheck)}
	defer func() {
		if err != nil {
			b.close(logger)
		}
	}()

	var ledger *store.Store
	if cfg.Ledger.Path != "" {
		logger.Info("opening ledger", "path", cfg.Ledger.Path)
		ledger, err = store.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		b.closers = append(b.closers, ledger.Close)
		b.health["ledger"] = ledger.Ping
		b.deps.Versions = ledger
		b.deps.Conflicts = ledger
		b.deps.DeadLetters = ledger
	}

	switch cfg.Stores.Relational.Driver {
	case config.DriverSQLite:
		b.deps.Relational = ledger
	case config.DriverPostgres:
		pg, err := postgres.Open(cfg.Stores.Relational.DSN, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		b.health["relational"] = pg.Ping
		b.deps.Relational = pg
	default:
		logger.Warn("relational store is in memory; records are lost on exit")
		b.deps.Relational = memory.NewRelational()
	}

	switch cfg.Stores.Document.Driver {
	case config.DriverSurreal:
		sdb, err := surreal.Open(ctx, cfg.Surreal(), logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error {
			return sdb.Close(context.Background())
		})
		b.deps.Document = sdb
	default:
		logger.Warn("document store is in memory; documents are lost on exit")
		b.deps.Document = memory.NewDocument()
	}

	b.deps.ApplyOptions = cfg.ApplyOptions()
	return b, nil
}

func runPipeline(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	cfg, err := loadRunConfig(opts, cmd)
	if err != nil {
		return err
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open stores", err)
	}
	defer b.close(logger)

	m := metrics.New()
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	}
	if opts.IDs != nil {
		engineOpts = append(engineOpts, engine.WithIDGenerator(opts.IDs))
	}
	eng, err := engine.New(cfg.Engine(), b.deps, engineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	serverOpts := []ingest.ServerOption{
		ingest.WithMetricsHandler(m.Handler()),
		ingest.WithServerLogger(logger),
	}
	for name, check := range b.health {
		serverOpts = append(serverOpts, ingest.WithHealthCheck(name, check))
	}
	server := ingest.NewServer(eng, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The engine drains on Shutdown; cancelling its context would cut
		// the drain short.
		return eng.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		<-gctx.Done()
		eng.Shutdown()
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.HTTP.Addr)
	})
	if cfg.ZMQ.Endpoint != "" {
		src := ingest.NewZMQSource(cfg.ZMQ.Endpoint, cfg.ZMQ.Topic, eng, logger)
		g.Go(func() error {
			return src.Run(gctx)
		})
	}

	printBanner(cmd.OutOrStdout(), cfg)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "pipeline error", err)
	}

	snap := m.Snapshot()
	logger.Info("pipeline stopped gracefully",
		"processed", snap.EventsProcessed,
		"no_change", snap.EventsNoChange,
		"dead_lettered", snap.EventsDeadLettered)
	return nil
}

func printBanner(w io.Writer, cfg config.Config) {
	fmt.Fprintf(w, "Pipeline started. Listening on %s\n", cfg.HTTP.Addr)
	if cfg.ZMQ.Endpoint != "" {
		fmt.Fprintf(w, "Subscribed to %s (topic %q)\n", cfg.ZMQ.Endpoint, cfg.ZMQ.Topic)
	}
	fmt.Fprintln(w, "Press Ctrl-C to stop.")
}
