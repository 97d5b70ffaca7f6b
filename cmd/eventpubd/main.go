// Package main implements the entry point for eventpubd, the reliable
// event publishing daemon. It publishes webhook events to NATS JetStream
// with broker-side deduplication and drains a durable SQL retry queue
// for events the broker could not take on first attempt.
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

	"github.com/uptrace/bun"

	"github.com/KSD-CO/rule-engine-postgres-sub003/config"
	"github.com/KSD-CO/rule-engine-postgres-sub003/consumer"
	"github.com/KSD-CO/rule-engine-postgres-sub003/dispatch"
	"github.com/KSD-CO/rule-engine-postgres-sub003/health"
	"github.com/KSD-CO/rule-engine-postgres-sub003/history"
	"github.com/KSD-CO/rule-engine-postgres-sub003/metric"
	"github.com/KSD-CO/rule-engine-postgres-sub003/publisher"
	"github.com/KSD-CO/rule-engine-postgres-sub003/sqlstore"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "eventpubd"
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
		printHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting eventpubd",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"connections", len(cfg.Connections),
		"webhooks", len(cfg.Webhooks))

	ctx := context.Background()

	db, stores, err := setupStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	metrics := metric.NewRegistry()
	monitor := health.NewMonitor()

	registry, err := setupPublishers(ctx, cfg, metrics, monitor, logger)
	if err != nil {
		return err
	}
	defer func() { _ = registry.CloseAll(context.Background()) }()

	source, err := dispatch.NewConfigSource(cfg.Webhooks)
	if err != nil {
		return err
	}

	dispatcher, webhookMonitor, err := setupDispatcher(source, stores, registry, metrics, logger)
	if err != nil {
		return err
	}

	queueWorker, err := setupQueueWorker(source, stores, registry, metrics, logger)
	if err != nil {
		return err
	}
	if err := queueWorker.Start(ctx); err != nil {
		return err
	}

	servers := startServers(cfg, dispatcher, webhookMonitor, metrics, monitor, logger)
	defer stopServers(servers, cliCfg.ShutdownTimeout)

	return waitForShutdown(queueWorker, cliCfg.ShutdownTimeout)
}

// stores bundles the SQL layer handed between setup steps.
type stores struct {
	queue   *sqlstore.QueueStore
	history *sqlstore.HistoryStore
}

func setupStorage(ctx context.Context, cfg *config.File) (*bun.DB, *stores, error) {
	driver := cfg.Database.Driver
	dsn := cfg.Database.DSN
	if driver == "" {
		driver = sqlstore.DriverSQLite
		dsn = "eventpub.db"
	}

	db, err := sqlstore.Open(driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := sqlstore.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	queue, err := sqlstore.NewQueueStore(db)
	if err != nil {
		return nil, nil, err
	}
	historyStore, err := sqlstore.NewHistoryStore(db)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("durable store ready", "driver", driver)
	return db, &stores{queue: queue, history: historyStore}, nil
}

// setupPublishers connects one publisher per configured connection and
// ensures the declared streams.
func setupPublishers(ctx context.Context, cfg *config.File, metrics *metric.Registry, monitor *health.Monitor, logger *slog.Logger) (*publisher.Registry, error) {
	registry := publisher.NewRegistry()

	for i := range cfg.Connections {
		conn := &cfg.Connections[i]
		pub, err := publisher.New(conn,
			publisher.WithLogger(logger),
			publisher.WithMetrics(metrics.Core),
		)
		if err != nil {
			_ = registry.CloseAll(ctx)
			return nil, err
		}
		if err := pub.Connect(ctx); err != nil {
			_ = registry.CloseAll(ctx)
			return nil, err
		}
		registry.Register(pub)
		monitor.Register("publisher:"+conn.Name, pub)
	}

	for _, def := range cfg.Streams {
		pub, err := registry.Get(def.ConfigName)
		if err != nil {
			_ = registry.CloseAll(ctx)
			return nil, err
		}
		if err := pub.EnsureStream(ctx, def); err != nil {
			_ = registry.CloseAll(ctx)
			return nil, err
		}
	}

	return registry, nil
}

func setupDispatcher(source dispatch.Source, st *stores, registry *publisher.Registry, metrics *metric.Registry, logger *slog.Logger) (*dispatch.Dispatcher, *history.Monitor, error) {
	// The monitor handle is kept so the HTTP surface can serve
	// per-webhook snapshots.
	webhookMonitor := history.NewMonitor(0, 0)
	recorder := history.NewStoreRecorder(st.history, webhookMonitor, logger)

	// All publishers connect at startup, so the factory only resolves
	// registry misses, which are configuration errors.
	factory := func(_ context.Context, configName string) (*publisher.Publisher, error) {
		return registry.Get(configName)
	}

	dispatcher, err := dispatch.NewDispatcher(source, st.queue, registry, factory,
		dispatch.WithRecorder(recorder),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics.Core),
	)
	if err != nil {
		return nil, nil, err
	}
	return dispatcher, webhookMonitor, nil
}

// setupQueueWorker wires the queue drain: claimed rows are published
// durably through the publisher named by their webhook's connection.
func setupQueueWorker(source dispatch.Source, st *stores, registry *publisher.Registry, metrics *metric.Registry, logger *slog.Logger) (*consumer.QueueWorker, error) {
	send := func(ctx context.Context, msg *sqlstore.QueueMessage) error {
		webhook, err := source.Webhook(ctx, msg.WebhookID)
		if err != nil {
			return err
		}
		pub, err := registry.Get(webhook.ConfigName)
		if err != nil {
			return err
		}
		_, err = pub.PublishDurableWithID(ctx, msg.Subject, msg.MessageID, msg.Payload)
		return err
	}

	return consumer.NewQueueWorker(st.queue, send, consumer.QueueWorkerConfig{},
		consumer.WithQueueLogger(logger),
		consumer.WithQueueMetrics(metrics.Core),
	)
}

func startServers(cfg *config.File, dispatcher *dispatch.Dispatcher, webhookMonitor *history.Monitor, metrics *metric.Registry, monitor *health.Monitor, logger *slog.Logger) []interface{ Stop(context.Context) error } {
	var servers []interface{ Stop(context.Context) error }

	if cfg.MetricsPort > 0 {
		srv := metric.NewServer(cfg.MetricsPort, "/metrics", metrics)
		if err := srv.Start(); err != nil {
			logger.Warn("metrics server not started", "error", err)
		} else {
			servers = append(servers, srv)
		}
	}

	if cfg.HealthPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/healthz", monitor.Handler())
		mux.Handle("/v1/dispatch", dispatchHandler(dispatcher))
		mux.Handle("/v1/webhooks/{webhook}/stats", webhookStatsHandler(webhookMonitor))
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HealthPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("health server stopped", "error", err)
			}
		}()
		servers = append(servers, shutdownFunc(srv.Shutdown))
	}

	return servers
}

type shutdownFunc func(context.Context) error

func (f shutdownFunc) Stop(ctx context.Context) error {
	return f(ctx)
}

func stopServers(servers []interface{ Stop(context.Context) error }, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Stop(ctx); err != nil {
			slog.Warn("server shutdown failed", "error", err)
		}
	}
}

func waitForShutdown(queueWorker *consumer.QueueWorker, timeout time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return queueWorker.Stop(ctx)
}
