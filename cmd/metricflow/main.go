// Package main implements the entry point for the MetricFlow engine:
// chunked pipeline execution against a calculation engine, hierarchical
// metric aggregation, and latest-value materialization, exposed over
// HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/metricflow/aggregate"
	"github.com/c360/metricflow/api"
	"github.com/c360/metricflow/calcengine"
	"github.com/c360/metricflow/config"
	"github.com/c360/metricflow/executor"
	"github.com/c360/metricflow/export"
	"github.com/c360/metricflow/impacts"
	"github.com/c360/metricflow/lock"
	"github.com/c360/metricflow/metric"
	"github.com/c360/metricflow/natsclient"
	"github.com/c360/metricflow/pkg/retry"
	"github.com/c360/metricflow/storage/objectstore"
	"github.com/c360/metricflow/valuestore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "metricflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting MetricFlow",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithLogger(logger),
		natsclient.WithClientName(cfg.NATS.ClientName),
		natsclient.WithTimeout(time.Duration(cfg.NATS.TimeoutSeconds)*time.Second))
	if err != nil {
		return fmt.Errorf("create nats client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer func() { _ = client.Close(context.Background()) }()

	db, err := valuestore.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open value store: %w", err)
	}
	defer func() { _ = db.Close() }()

	artifacts, err := objectstore.NewStore(ctx, client, objectstore.Config{
		BucketName:  cfg.Artifacts.Bucket,
		Description: "Execution artifacts: chunk outputs, errors, merged results, exports",
	}, logger)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}

	locks, err := setupLocks(ctx, client, cfg, logger)
	if err != nil {
		return err
	}

	registry := metric.NewMetricsRegistry()

	invoker := calcengine.NewNATSInvoker(client, cfg.Engine.Subject)
	calc := calcengine.NewCalculator(invoker, retry.Config{
		MaxAttempts:  cfg.Engine.MaxAttempts,
		InitialDelay: cfg.EngineBaseDelay(),
		MaxDelay:     64 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}, logger)

	aggregator := aggregate.NewAggregator(db, db, locks, logger)
	trigger := aggregate.NewTrigger(aggregator, db, triggerRules(cfg), logger)
	impactCreator := impacts.NewCreator(artifacts, db, 0, logger)

	coordinator := executor.NewCoordinator(db, artifacts, calc,
		executor.NewMerger(artifacts, logger),
		impactCreator, trigger,
		executor.Options{
			Concurrency:         cfg.Execution.Concurrency,
			ChunkSizeBytes:      cfg.Execution.ChunkSizeBytes,
			ArtifactBucket:      cfg.Artifacts.Bucket,
			ImpactPollInterval:  cfg.ImpactPollInterval(),
			ImpactMaxIterations: cfg.Execution.ImpactMaxIterations,
		}, logger, registry)

	exporter := export.NewRunner(db, artifacts, locks, logger)

	server := api.NewServer(ctx, coordinator, db, aggregator, exporter, db, registry, logger)
	return serveHTTP(ctx, cfg.HTTP.Addr, server.Handler(), cliCfg.ShutdownTimeout, logger)
}

// setupLocks creates the lock bucket and manager. The bucket TTL is a
// second line of defense behind the manager's own lease expiry.
func setupLocks(ctx context.Context, client *natsclient.Client, cfg *config.Config, logger *slog.Logger) (*lock.Manager, error) {
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Lock.Bucket,
		Description: "Aggregation and export locks",
		TTL:         2 * cfg.LockTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("create lock bucket: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	holder := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	return lock.NewManager(client.NewKVStore(bucket), cfg.LockTTL(), holder, logger), nil
}

func triggerRules(cfg *config.Config) []aggregate.TriggerRule {
	rules := make([]aggregate.TriggerRule, 0, len(cfg.Metrics))
	for _, m := range cfg.Metrics {
		rules = append(rules, aggregate.TriggerRule{
			MetricName:      m.Name,
			AggregationType: aggregate.AggregationType(m.AggregationType),
			TimeUnit:        aggregate.TimeUnit(m.TimeUnit),
			RootGroup:       m.RootGroup,
		})
	}
	return rules
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}
