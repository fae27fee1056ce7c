// =============================================================================
// memtierd dispatcher entry point
// =============================================================================
// Usage:
//
//	memtierd serve                         # start the dispatcher
//	memtierd serve --config config.json    # use an explicit config file
//	memtierd serve --verbose               # debug-level logging
//	memtierd migrate                       # apply pending user log migrations
//	memtierd dump --out dump.json          # snapshot every collection to disk
//	memtierd version                       # show version information
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/memtierd/memtierd/config"
	"github.com/memtierd/memtierd/internal/audit"
	"github.com/memtierd/memtierd/internal/bundle"
	"github.com/memtierd/memtierd/internal/dispatcher"
	"github.com/memtierd/memtierd/internal/metrics"
)

// =============================================================================
// build metadata (injected via ldflags)
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		runServe(nil)
		return
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "dump":
		runDump(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		// no subcommand named: treat the whole argument list as serve flags.
		runServe(os.Args[1:])
	}
}

// =============================================================================
// serve
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config.json")
	envPath := fs.String("env", ".env", "path to .env")
	baseDir := fs.String("base-dir", ".", "root directory for vectors/, decay_meta/, users/, deadletter/")
	promptPath := fs.String("prompt", "prompts/process.md", "path to the process-turn prompt template")
	metricsAddr := fs.String("metrics-addr", "", "address to expose /metrics on (empty disables it)")
	verbose := fs.Bool("verbose", false, "enable debug-level logging")
	dump := fs.Bool("dump", false, "write every collection and user log to dump.json and exit")
	fs.Parse(args)

	if *dump {
		writeDumpSnapshot(*configPath, *envPath, *baseDir, *promptPath, "dump.json")
		return
	}

	logger := initLogger(*verbose)
	defer logger.Sync()

	logger.Info("starting memtierd dispatcher",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	env, err := config.LoadEnvFile(*envPath)
	if err != nil {
		logger.Fatal("failed to load env file", zap.Error(err))
	}
	apiKey, err := config.OpenAIAPIKey(env)
	if err != nil {
		logger.Fatal("failed to resolve OpenAI API key", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, err := bundle.New(ctx, cfg, bundle.Options{
		BaseDir:        *baseDir,
		PromptTemplate: *promptPath,
		OpenAIAPIKey:   apiKey,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("failed to build memory bundle", zap.Error(err))
	}

	journal := openAuditJournal(ctx, cfg, logger)
	collector := metricsCollector(logger)
	b.Compressor.SetMetrics(collector)
	b.Decay.SetMetrics(collector)
	b.LTM.SetMetrics(collector)

	d := dispatcher.New(b, collector, journal, logger)

	b.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", d)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.WSS.Host, cfg.WSS.Port),
		Handler: mux,
	}

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("dispatcher listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	stopMetrics := startMetricsServer(*metricsAddr, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-d.Done():
		logger.Info("dispatcher shutdown requested")
	case err := <-serveErrs:
		logger.Error("dispatcher listener failed", zap.Error(err))
	}

	d.Shutdown()
	// Cancel ctx so the compressor's queue loop exits and Bundle.Close can
	// wait for it; a `close` message reaches here with ctx still live.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	stopMetrics()

	if err := b.Close(); err != nil {
		logger.Warn("memory bundle close error", zap.Error(err))
	}
	if closer, ok := journal.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(context.Background()); err != nil {
			logger.Warn("audit journal close error", zap.Error(err))
		}
	}

	logger.Info("memtierd dispatcher stopped")
}

func metricsCollector(logger *zap.Logger) *metrics.Collector {
	return metrics.NewCollector("memtierd", logger)
}

func openAuditJournal(ctx context.Context, cfg *config.Config, logger *zap.Logger) dispatcher.AuditJournal {
	if cfg.Audit != nil && cfg.Audit.MongoURI != "" {
		j, err := audit.OpenMongoJournal(ctx, cfg.Audit.MongoURI, logger)
		if err != nil {
			logger.Warn("failed to open mongo audit journal, falling back to in-memory", zap.Error(err))
			return audit.NewMemoryJournal(1000)
		}
		return j
	}
	return audit.NewMemoryJournal(1000)
}

// =============================================================================
// dump
// =============================================================================

func runDump(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config.json")
	envPath := fs.String("env", ".env", "path to .env")
	baseDir := fs.String("base-dir", ".", "root directory for vectors/, decay_meta/, users/, deadletter/")
	promptPath := fs.String("prompt", "prompts/process.md", "path to the process-turn prompt template")
	out := fs.String("out", "dump.json", "output path for the snapshot")
	fs.Parse(args)

	writeDumpSnapshot(*configPath, *envPath, *baseDir, *promptPath, *out)
}

// writeDumpSnapshot backs both the `dump` subcommand and the `--dump` serve
// flag.
func writeDumpSnapshot(configPath, envPath, baseDir, promptPath, out string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	env, err := config.LoadEnvFile(envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		os.Exit(1)
	}
	apiKey, _ := config.OpenAIAPIKey(env)

	ctx := context.Background()
	b, err := bundle.New(ctx, cfg, bundle.Options{
		BaseDir:        baseDir,
		PromptTemplate: promptPath,
		OpenAIAPIKey:   apiKey,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build memory bundle: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	snapshot, err := dumpBundle(ctx, b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to snapshot bundle: %v\n", err)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal snapshot: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", out)
}

// dumpSnapshot is the shape written by `memtierd dump`: every STM/LTM
// collection's contents plus the full user logs of every collection that
// has STM or LTM entries, for offline inspection without exercising the
// dispatcher protocol.
type dumpSnapshot struct {
	ShortTerm map[string][]any `json:"short_term"`
	LongTerm  map[string][]any `json:"long_term"`
	Users     map[string][]any `json:"users"`
}

func dumpBundle(ctx context.Context, b *bundle.Bundle) (*dumpSnapshot, error) {
	snap := &dumpSnapshot{
		ShortTerm: map[string][]any{},
		LongTerm:  map[string][]any{},
		Users:     map[string][]any{},
	}

	stmNames, err := b.STM.CollectionNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stm collections: %w", err)
	}
	for _, name := range stmNames {
		count, err := b.STM.Count(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("count stm %s: %w", name, err)
		}
		entries, err := b.STM.PeekOldest(ctx, name, count)
		if err != nil {
			return nil, fmt.Errorf("peek stm %s: %w", name, err)
		}
		for _, e := range entries {
			snap.ShortTerm[name] = append(snap.ShortTerm[name], e)
		}
	}

	ltmNames, err := b.LTM.CollectionNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ltm collections: %w", err)
	}
	for _, name := range ltmNames {
		count, err := b.LTM.Count(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("count ltm %s: %w", name, err)
		}
		entries, err := b.LTM.PeekOldest(ctx, name, count)
		if err != nil {
			return nil, fmt.Errorf("peek ltm %s: %w", name, err)
		}
		for _, e := range entries {
			snap.LongTerm[name] = append(snap.LongTerm[name], e)
		}
	}

	seen := map[string]bool{}
	for _, coll := range append(append([]string{}, stmNames...), ltmNames...) {
		if seen[coll] {
			continue
		}
		seen[coll] = true
		users, err := b.Users.Users(coll)
		if err != nil {
			continue
		}
		for _, u := range users {
			latest, err := b.Users.Latest(ctx, coll, u, 0)
			if err != nil {
				continue
			}
			key := coll + ":" + u
			for _, e := range latest {
				snap.Users[key] = append(snap.Users[key], e)
			}
		}
	}

	return snap, nil
}

// =============================================================================
// version / help
// =============================================================================

func printVersion() {
	fmt.Printf("memtierd %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`memtierd - tiered memory service for conversational agents

Usage:
  memtierd <command> [options]

Commands:
  serve     Start the dispatcher (default if no command given)
  migrate   Apply pending user log mirror migrations
  dump      Snapshot every collection and user log to a JSON file
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>        Path to config.json (default "config.json")
  --env <path>            Path to .env (default ".env")
  --base-dir <path>       Root directory for vectors/decay_meta/users/deadletter (default ".")
  --prompt <path>         Path to the process-turn prompt template
  --metrics-addr <addr>   Address to expose /metrics on (default: disabled)
  --verbose               Debug-level logging
  --dump                  Write every collection and user log to dump.json, then exit

Examples:
  memtierd serve
  memtierd serve --config /etc/memtierd/config.json --verbose
  memtierd migrate
  memtierd dump --out dump.json
  memtierd version`)
}

// =============================================================================
// logging / metrics helpers
// =============================================================================

func initLogger(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func startMetricsServer(addr string, logger *zap.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
