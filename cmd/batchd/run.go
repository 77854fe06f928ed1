package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/batchd/internal/batch"
	"github.com/fyrsmithlabs/batchd/internal/checkpoint"
	"github.com/fyrsmithlabs/batchd/internal/config"
	"github.com/fyrsmithlabs/batchd/internal/credential"
	"github.com/fyrsmithlabs/batchd/internal/events"
	httpapi "github.com/fyrsmithlabs/batchd/internal/http"
	"github.com/fyrsmithlabs/batchd/internal/llmtask"
	"github.com/fyrsmithlabs/batchd/internal/logging"
	"github.com/fyrsmithlabs/batchd/internal/manifest"
	"github.com/fyrsmithlabs/batchd/internal/scheduler"
	"github.com/fyrsmithlabs/batchd/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/batchd/cmd/batchd"

var (
	runSlots   int
	runResults string
	runServe   bool
)

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Run a batch from a manifest",
	Long: `Run every task listed in a YAML or TOML manifest.

The first SIGINT or SIGTERM stops dispatching new tasks; tasks already
running finish and are checkpointed. Use "batchd resume" to continue.

Exit codes: 0 all tasks succeeded, 2 some tasks failed, 3 batch aborted,
1 any other error.

Examples:
  # Run with four worker slots and the status API enabled
  batchd run --slots 4 --serve reviews.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatchCommand(cmd, args[0], false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <manifest>",
	Short: "Resume an interrupted batch",
	Long: `Resume a batch from its checkpoint. Succeeded and failed tasks are
not run again; tasks left running by a crashed process are reclaimed.
Task ids added to the manifest since the first run are planned too.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatchCommand(cmd, args[0], true)
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().IntVar(&runSlots, "slots", 0, "worker slots (overrides scheduler.slots)")
		c.Flags().StringVar(&runResults, "results", "", "results directory (overrides llm.results_dir)")
		c.Flags().BoolVar(&runServe, "serve", false, "serve the status API (overrides server.enabled)")
	}
}

func runBatchCommand(cmd *cobra.Command, manifestPath string, resume bool) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if runSlots > 0 {
		cfg.Scheduler.Slots = runSlots
	}
	if runResults != "" {
		cfg.LLM.ResultsDir = runResults
	}
	if runServe {
		cfg.Server.Enabled = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return execute(ctx, cfg, manifestPath, resume, cmd.OutOrStdout())
}

// execute runs one batch to completion and prints its summary to out.
// Cancelling ctx stops dispatch; in-flight tasks still finish.
func execute(ctx context.Context, cfg *config.Config, manifestPath string, resume bool, out io.Writer) (err error) {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err = errors.Join(err, tel.Shutdown(shutdownCtx))
	}()

	logCfg, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	logCfg.Output.OTEL = tel.IsEnabled()
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	ctx = logging.WithLogger(logging.WithBatchID(ctx, m.Batch), logger)

	tracer := tel.Tracer(instrumentationName)
	meter := tel.Meter(instrumentationName)

	secrets, err := cfg.Credentials.ResolveCredentials()
	if err != nil {
		return err
	}
	keyring, err := credential.NewKeyring(secrets)
	if err != nil {
		return err
	}

	publisher, err := events.Open(cfg.Events, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	coord, err := credential.NewCoordinator(keyring.Refs(),
		credential.WithLogger(logger),
		credential.WithTracer(tracer),
		credential.WithMeter(meter),
		credential.WithObserver(events.CredentialObserver(publisher, m.Batch)),
		credential.WithLedgerConfig(credential.LedgerConfig{
			RateLimitBase: cfg.Quarantine.RateLimitBase,
			TransientBase: cfg.Quarantine.TransientBase,
			MaxBackoff:    cfg.Quarantine.MaxBackoff,
			Window:        cfg.Quarantine.Window,
		}),
	)
	if err != nil {
		return err
	}
	sweepCtx, stopSweep := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSweep()
	go func() {
		_ = coord.Run(sweepCtx, cfg.Quarantine.SweepInterval)
	}()

	sched := scheduler.New(cfg.Scheduler.Slots, scheduler.WithLogger(logger))

	store, err := checkpoint.Open(ctx, cfg.Checkpoint, checkpoint.Options{
		BatchID:     m.Batch,
		MaxAttempts: cfg.Batch.MaxAttempts,
		Logger:      logger,
		Tracer:      tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	prompts, err := m.Prompts()
	if err != nil {
		return err
	}
	llmCfg := llmtask.ConfigFrom(cfg.LLM)
	llmCfg.ResultsDir = filepath.Join(llmCfg.ResultsDir, m.Batch)
	factory, err := llmtask.New(keyring, prompts, llmCfg,
		llmtask.WithLogger(logger),
		llmtask.WithTracer(tracer),
		llmtask.WithMeter(meter),
	)
	if err != nil {
		return err
	}

	runner, err := batch.NewRunner(coord, sched,
		batch.WithLogger(logger),
		batch.WithTracer(tracer),
		batch.WithMeter(meter),
		batch.WithPublisher(publisher),
		batch.WithAcquireTimeout(cfg.Batch.AcquireTimeout),
	)
	if err != nil {
		return err
	}

	var srv *httpapi.Server
	if cfg.Server.Enabled {
		srv, err = httpapi.NewServer(coord, sched, logger.Underlying(), &httpapi.Config{
			Host:    cfg.Server.Host,
			Port:    cfg.Server.Port,
			Version: version,
			Metrics: httpapi.NewHTTPMetrics(meter, logger.Underlying()),
		})
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error(ctx, "status server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn(ctx, "status server shutdown failed", zap.Error(err))
			}
		}()
	}

	spec := batch.Spec{
		BatchID: m.Batch,
		Tasks:   m.TaskIDs(),
		Factory: factory,
		Store:   store,
	}
	var handle *batch.Handle
	if resume {
		handle, err = runner.Resume(ctx, spec)
	} else {
		handle, err = runner.Submit(ctx, spec)
	}
	if err != nil {
		return err
	}
	if srv != nil {
		srv.SetBatch(handle)
	}

	st, waitErr := handle.Wait(context.WithoutCancel(ctx))
	records, err := handle.Records(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn(ctx, "failed to list task records", zap.Error(err))
	}
	printSummary(out, st, records, time.Since(handle.Started()))

	switch {
	case waitErr != nil:
		return waitErr
	case st.Outcome == checkpoint.OutcomePartial:
		return errPartial
	}
	return nil
}

// printSummary writes the final batch state and any failed tasks.
func printSummary(out io.Writer, st checkpoint.BatchState, records []checkpoint.Record, elapsed time.Duration) {
	fmt.Fprintf(out, "Batch %s: %s\n", st.BatchID, st.Outcome)
	fmt.Fprintf(out, "  Tasks:     %d total, %d succeeded, %d failed, %d pending\n",
		st.Total, st.Succeeded, st.Failed, st.Pending+st.Running)
	fmt.Fprintf(out, "  Attempts:  %d\n", st.Attempts)
	fmt.Fprintf(out, "  Elapsed:   %s\n", elapsed.Round(time.Second))
	for _, rec := range records {
		if rec.Status != checkpoint.StatusFailed {
			continue
		}
		fmt.Fprintf(out, "  FAILED %s (%s): %s\n", rec.TaskID, rec.LastErrorKind, rec.LastError)
	}
}
