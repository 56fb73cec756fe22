// Package cmd provides command-line interface functionality for the locpipe application.
/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"locpipe/internal/adapter/outbound/checkpoint"
	"locpipe/internal/adapter/outbound/dataset"
	"locpipe/internal/adapter/outbound/llm"
	"locpipe/internal/adapter/outbound/memory"
	"locpipe/internal/adapter/outbound/trace"
	"locpipe/internal/application/common/logging"
	"locpipe/internal/application/common/retry"
	"locpipe/internal/application/common/slogger"
	"locpipe/internal/application/glossary"
	"locpipe/internal/application/pipeline"
	"locpipe/internal/config"
	"locpipe/internal/domain/entity"
	"locpipe/internal/port/outbound"
	"locpipe/internal/version"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newTranslateCmd creates and returns the translate command.
func newTranslateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "translate",
		Short: "Run the batch translation pipeline",
		Long: `Run the batch translation pipeline over the configured dataset.

The pipeline:
- Loads the checkpoint and skips rows that already completed
- Partitions pending rows into batches per the model policy
- Dispatches batches concurrently through the LLM call gateway
- Validates returned translations and escalates failures by bisection
- Journals accepted rows and persists the checkpoint after every batch

An interrupted run resumes from the checkpoint; re-run the command to continue.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTranslate(cmd)
		},
	}
}

func runTranslate(cmd *cobra.Command) error {
	cfg := GetConfig()
	configureLogging(cfg)

	runID := uuid.New().String()
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	slogger.Info(ctx, "Starting translation run", slogger.Fields{
		"run_id":      runID,
		"input":       cfg.Dataset.InputPath,
		"target_lang": cfg.Pipeline.TargetLang,
		"model":       cfg.Pipeline.Model,
		"concurrency": cfg.Pipeline.Concurrency,
	})

	policies, err := config.LoadModelPolicies(cfg.Pipeline.PolicyPath)
	if err != nil {
		return fmt.Errorf("loading model policies: %w", err)
	}
	policy, err := policies.Get(cfg.Pipeline.Model)
	if err != nil {
		return err
	}

	recorder, closeRecorder, err := buildTraceRecorder(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRecorder()

	journal, err := dataset.NewFileJournal(cfg.Dataset.JournalPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = journal.Close()
	}()

	escalations, err := dataset.NewFileEscalationSink(cfg.Dataset.EscalationPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = escalations.Close()
	}()

	driver, err := buildDriver(ctx, cfg, policies, policy, runID, driverSinks{
		recorder:    recorder,
		journal:     journal,
		escalations: escalations,
	})
	if err != nil {
		return err
	}

	summary, err := driver.Run(ctx)
	if summary != nil {
		printSummary(cmd, summary)
	}
	return err
}

// driverSinks carries the run artifacts opened by runTranslate so buildDriver
// stays testable without touching the filesystem.
type driverSinks struct {
	recorder    outbound.TraceRecorder
	journal     outbound.ResultJournal
	escalations outbound.EscalationSink
}

// buildDriver wires the application pipeline from configuration.
func buildDriver(
	ctx context.Context,
	cfg *config.Config,
	policies config.ModelPolicies,
	policy config.ModelPolicy,
	runID string,
	sinks driverSinks,
) (*pipeline.Driver, error) {
	validator, err := pipeline.NewPlaceholderValidator(cfg.Pipeline.PlaceholderRegex)
	if err != nil {
		return nil, fmt.Errorf("compiling placeholder pattern: %w", err)
	}

	metrics, err := pipeline.NewPipelineMetrics(pipeline.PipelineMetricsConfig{
		ServiceName:    "locpipe",
		ServiceVersion: version.GetVersion().Version,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	var terms *glossary.Glossary
	if cfg.Glossary.Path != "" {
		terms, err = glossary.Load(cfg.Glossary.Path)
		if err != nil {
			return nil, fmt.Errorf("loading glossary: %w", err)
		}
		slogger.Info(ctx, "Glossary loaded", slogger.Fields2(
			"path", cfg.Glossary.Path,
			"terms", terms.Len(),
		))
	}

	prompts := pipeline.NewPromptBuilder(cfg.Pipeline.TargetLang, terms)
	if cfg.LLM.SystemPrompt != "" {
		prompts.SetSystemPreamble(cfg.LLM.SystemPrompt)
	}

	translator, err := llm.NewClientFromEnv(&llm.ClientConfig{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Timeout:     cfg.LLM.Timeout,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}

	gateway, err := pipeline.NewGateway(pipeline.GatewayConfig{
		PrimaryModel:    cfg.Pipeline.Model,
		FallbackEnabled: cfg.Pipeline.FallbackEnabled,
		RunID:           runID,
		Retry:           retryConfigFor(cfg),
	}, policies, translator, prompts, metrics, sinks.recorder)
	if err != nil {
		return nil, fmt.Errorf("creating call gateway: %w", err)
	}

	driverConfig := pipeline.DriverConfig{
		RunID:          runID,
		InputPath:      cfg.Dataset.InputPath,
		OutputPath:     cfg.Dataset.OutputPath,
		CheckpointPath: cfg.Checkpoint.Path,
		TargetLang:     cfg.Pipeline.TargetLang,
		Concurrency:    cfg.Pipeline.Concurrency,
	}

	return pipeline.NewDriver(driverConfig, policy, pipeline.DriverDeps{
		Gateway:     gateway,
		Reconciler:  pipeline.NewReconciler(validator, cfg.Pipeline.PartialAccept),
		Validator:   validator,
		Checkpoints: checkpoint.NewStore(),
		Rows:        dataset.NewCSVStore(),
		Journal:     sinks.journal,
		Escalations: sinks.escalations,
		Memory:      buildTranslationMemory(ctx, cfg),
		Recorder:    sinks.recorder,
		Metrics:     metrics,
	})
}

// retryConfigFor maps the configured retry count onto the executor defaults.
func retryConfigFor(cfg *config.Config) *retry.RetryConfig {
	retryConfig := retry.DefaultRetryConfig()
	retryConfig.MaxRetries = cfg.Pipeline.RetryCount
	return retryConfig
}

// buildTraceRecorder assembles the trace event sink: the JSONL log, plus the
// NATS mirror when enabled. Returns a cleanup function closing all sinks.
func buildTraceRecorder(ctx context.Context, cfg *config.Config) (outbound.TraceRecorder, func(), error) {
	var recorders []outbound.TraceRecorder

	if cfg.Trace.Path != "" {
		fileRecorder, err := trace.NewFileRecorder(cfg.Trace.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening trace log: %w", err)
		}
		recorders = append(recorders, fileRecorder)
	}

	if cfg.Trace.NATS.Enabled {
		publisher, err := trace.NewNATSPublisher(cfg.Trace.NATS)
		if err != nil {
			return nil, nil, fmt.Errorf("configuring NATS trace mirror: %w", err)
		}
		if err := publisher.Connect(); err != nil {
			slogger.Warn(ctx, "NATS trace mirror unavailable, continuing without it",
				slogger.Fields2("url", cfg.Trace.NATS.URL, "error", err.Error()))
		} else if err := publisher.EnsureStream(); err != nil {
			slogger.Warn(ctx, "NATS trace stream setup failed, continuing without mirror",
				slogger.Field("error", err.Error()))
			_ = publisher.Close()
		} else {
			recorders = append(recorders, publisher)
		}
	}

	multi := trace.NewMultiRecorder(recorders...)
	cleanup := func() {
		if err := multi.Close(); err != nil {
			slogger.WarnNoCtx("Failed to close trace recorders", slogger.Field("error", err.Error()))
		}
	}
	return multi, cleanup, nil
}

// buildTranslationMemory connects the optional Postgres memory. Connection
// failures degrade to a run without memory: the checkpoint still protects
// against re-billing within the dataset.
func buildTranslationMemory(ctx context.Context, cfg *config.Config) outbound.TranslationMemory {
	if !cfg.Memory.Enabled() {
		return nil
	}

	store, err := memory.NewPostgresMemory(ctx, cfg.Memory)
	if err != nil {
		slogger.Warn(ctx, "Translation memory unavailable, continuing without it", slogger.Fields2(
			"host", cfg.Memory.Host,
			"error", err.Error(),
		))
		return nil
	}

	slogger.Info(ctx, "Translation memory connected", slogger.Field("host", cfg.Memory.Host))
	return store
}

// configureLogging installs the global logger from configuration.
func configureLogging(cfg *config.Config) {
	logger, err := logging.NewApplicationLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		return
	}
	slogger.SetGlobalLogger(logger)
}

// signalContext cancels the returned context on SIGINT or SIGTERM. The driver
// finishes in-flight batches and commits their results before returning.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slogger.InfoNoCtx("Received shutdown signal, finishing in-flight batches", slogger.Fields{
				"signal": sig.String(),
			})
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// printSummary writes the end-of-run totals to stdout.
func printSummary(cmd *cobra.Command, summary *entity.RunSummary) {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Run summary:")
	fmt.Fprintf(out, "  Total rows:      %d\n", summary.TotalRows)
	fmt.Fprintf(out, "  Done at start:   %d\n", summary.DoneAtStart)
	fmt.Fprintf(out, "  Translated:      %d\n", summary.Translated)
	if summary.MemoryHits > 0 {
		fmt.Fprintf(out, "  Memory hits:     %d\n", summary.MemoryHits)
	}
	fmt.Fprintf(out, "  Escalated rows:  %d\n", summary.Escalated)
	fmt.Fprintf(out, "  Failed rows:     %d\n", summary.Failed)
	fmt.Fprintf(out, "  Batches sent:    %d\n", summary.BatchesSent)
	fmt.Fprintf(out, "  Bisections:      %d\n", summary.Bisections)
	fmt.Fprintf(out, "  Duration:        %s\n", summary.Duration.Round(time.Millisecond))
	if summary.Completed() {
		fmt.Fprintln(out, "  Status:          complete")
	} else {
		fmt.Fprintln(out, "  Status:          incomplete (re-run to continue)")
	}
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newTranslateCmd())
}
