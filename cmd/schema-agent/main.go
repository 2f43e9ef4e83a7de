package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/noamsalit/Log-analysis-agent/internal/agent"
	"github.com/noamsalit/Log-analysis-agent/internal/config"
	"github.com/noamsalit/Log-analysis-agent/internal/dispatch"
	"github.com/noamsalit/Log-analysis-agent/internal/handles"
	"github.com/noamsalit/Log-analysis-agent/internal/ledger"
	"github.com/noamsalit/Log-analysis-agent/internal/llm"
	"github.com/noamsalit/Log-analysis-agent/internal/logging"
	"github.com/noamsalit/Log-analysis-agent/internal/metrics"
	"github.com/noamsalit/Log-analysis-agent/internal/observability"
	"github.com/noamsalit/Log-analysis-agent/internal/policy"
	"github.com/noamsalit/Log-analysis-agent/internal/sandbox"
	"github.com/noamsalit/Log-analysis-agent/internal/version"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "schema-agent.yaml"

const writerShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "run":
		return runAgent(args[1:], os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: schema-agent <command> [flags]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "commands:")
	fmt.Fprintln(out, "  run      discover the schema of a log file")
	fmt.Fprintln(out, "  report   summarize a finished run's events and token usage")
	fmt.Fprintln(out, "  config   print the effective configuration")
	fmt.Fprintln(out, "  version  print version information")
}

func loadAndValidateConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runAgent(args []string, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("run", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	inputPath := flagSet.String("input", "", "Path to the log file to analyze")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if *inputPath == "" {
		fmt.Fprintln(errOut, "run requires -input <log file>")
		return 2
	}

	// Missing .env is fine; explicit env vars win either way.
	_ = godotenv.Load()

	cfg, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}

	consoleVerbosity, err := policy.ParseVerbosity(cfg.Logging.ConsoleLevel)
	if err != nil {
		fmt.Fprintf(errOut, "invalid console level: %v\n", err)
		return 1
	}
	fileVerbosity, err := policy.ParseVerbosity(cfg.Logging.FileLevel)
	if err != nil {
		fmt.Fprintf(errOut, "invalid file level: %v\n", err)
		return 1
	}

	logger, closeLog, err := logging.Setup(logging.Options{
		ConsoleLevel: consoleVerbosity.Level(),
		FileLevel:    fileVerbosity.Level(),
		Dir:          cfg.Logging.Dir,
		File:         cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to set up logging: %v\n", err)
		return 1
	}
	defer func() {
		_ = closeLog()
	}()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime, err := observability.Setup(ctx, cfg.Observability.OTel, version.Version, logger)
	if err != nil {
		logger.Error("failed to set up opentelemetry", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		defer cancel()
		if err := runtime.Shutdown(shutdownCtx); err != nil {
			logger.Warn("opentelemetry shutdown failed", "error", err)
		}
	}()

	store, err := openEventStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open event store", "error", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("event store close failed", "error", err)
		}
	}()

	writer := metrics.NewWriter(store, cfg.Storage.QueueSize)
	writer.SetWriteFailureHandler(func(failure metrics.WriteFailure) {
		logger.Warn("event write failed",
			"operation", failure.Operation,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", failure.Err,
		)
		runtime.RecordEventWriteFailure(failure.Operation, failure.FailedCount)
	})
	writer.Start(context.Background())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writerShutdownTimeout)
		defer cancel()
		if err := writer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("event writer shutdown incomplete", "error", err)
		}
	}()

	emitter := metrics.NewEmitter(logger, writer, runtime)
	tokenLedger := ledger.New()
	toolPolicy := policy.New(cfg.Tools.LoggingStrategies)
	dispatcher := dispatch.New(emitter, tokenLedger, toolPolicy, runtime, logger,
		policy.Max(consoleVerbosity, fileVerbosity))

	sb, err := sandbox.New(sandbox.Grant{
		ReadableRoots:      cfg.Sandbox.ReadableRoots,
		WritableRoots:      cfg.Sandbox.WritableRoots,
		ExecutableCommands: cfg.Sandbox.ExecutableCommands,
	})
	if err != nil {
		logger.Error("failed to build sandbox", "error", err)
		return 1
	}

	registry := handles.NewRegistry(sb, dispatcher)
	tools := agent.NewToolRegistry(dispatcher)
	if err := agent.RegisterFileTools(tools, registry); err != nil {
		logger.Error("failed to register file tools", "error", err)
		return 1
	}
	if len(cfg.Sandbox.ExecutableCommands) > 0 {
		commandRunner := sandbox.NewRunner(sb, time.Duration(cfg.Sandbox.CommandTimeoutMS)*time.Millisecond)
		for command, commandPolicy := range cfg.Sandbox.CommandPolicies {
			commandRunner.RegisterSpec(command, sandbox.CommandSpec{
				AllowedArgs:       commandPolicy.AllowedArgs,
				ForbiddenPatterns: commandPolicy.ForbiddenPatterns,
			})
		}
		if err := agent.RegisterCommandTool(tools, commandRunner); err != nil {
			logger.Error("failed to register command tool", "error", err)
			return 1
		}
	}

	client, err := llm.NewClient(cfg.LLM, runtime, dispatcher)
	if err != nil {
		logger.Error("failed to build llm client", "error", err)
		return 1
	}

	runner := agent.NewRunner(cfg.Agent, client, registry, tools, dispatcher, sb, logger)
	runID, err := runner.Run(ctx, *inputPath)
	if err != nil {
		logger.Error("run failed", "run_id", runID, "error", err)
		return 1
	}

	logger.Info("run complete",
		"run_id", runID,
		"log_types", runner.Schema().LogTypeCount(),
		"schema_path", cfg.Agent.SchemaPath,
	)
	return 0
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	runID := flagSet.String("run", "", "Run id to summarize")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if *runID == "" {
		fmt.Fprintln(errOut, "report requires -run <run id>")
		return 2
	}

	cfg, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}

	store, err := openEventStore(cfg.Storage)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open event store: %v\n", err)
		return 1
	}
	defer func() {
		_ = store.Close()
	}()

	summary, err := store.RunSummary(context.Background(), *runID)
	if err != nil {
		fmt.Fprintf(errOut, "failed to summarize run: %v\n", err)
		return 1
	}
	printRunSummary(out, summary)
	return 0
}

func printRunSummary(out io.Writer, summary *metrics.RunSummary) {
	fmt.Fprintf(out, "run:             %s\n", summary.RunID)
	fmt.Fprintf(out, "events:          %d\n", summary.EventCount)
	if !summary.FirstEvent.IsZero() {
		fmt.Fprintf(out, "first event:     %s\n", summary.FirstEvent.Format(time.RFC3339))
		fmt.Fprintf(out, "last event:      %s\n", summary.LastEvent.Format(time.RFC3339))
		fmt.Fprintf(out, "span:            %s\n", summary.LastEvent.Sub(summary.FirstEvent))
	}
	fmt.Fprintf(out, "prompt tokens:     %d\n", summary.TokensPrompt)
	fmt.Fprintf(out, "completion tokens: %d\n", summary.TokensCompletion)
	fmt.Fprintf(out, "total tokens:      %d\n", summary.TokensTotal)

	if len(summary.CountsByKind) == 0 {
		return
	}
	kinds := make([]string, 0, len(summary.CountsByKind))
	for kind := range summary.CountsByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	fmt.Fprintln(out, "by kind:")
	for _, kind := range kinds {
		fmt.Fprintf(out, "  %-22s %d\n", kind, summary.CountsByKind[kind])
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to encode config: %v\n", err)
		return 1
	}
	_, _ = out.Write(encoded)
	return 0
}

func openEventStore(cfg config.StorageConfig) (metrics.EventStore, error) {
	switch cfg.Driver {
	case "postgres":
		return metrics.NewPostgresStore(cfg.DSN)
	default:
		return metrics.NewSQLiteStore(cfg.Path)
	}
}
