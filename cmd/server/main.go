package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/JonMunkholm/accountops/internal/config"
	"github.com/JonMunkholm/accountops/internal/core"
	"github.com/JonMunkholm/accountops/internal/logging"
	"github.com/JonMunkholm/accountops/internal/metrics"
	"github.com/JonMunkholm/accountops/internal/pgstore"
	"github.com/JonMunkholm/accountops/internal/reportstore"
	"github.com/JonMunkholm/accountops/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"batch_max_concurrent_runs", cfg.Batch.MaxConcurrentRuns,
		"batch_item_concurrency", cfg.Batch.ItemConcurrency,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)
	slog.Debug("effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	store := pgstore.New(pool)
	if cfg.Database.MigrateOnStart {
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		slog.Info("database schema applied")
	}

	checks := map[string]web.HealthCheck{"database": store.Ping}

	// Reports go to Redis when configured so any replica can serve them
	var reports reportstore.Store
	if cfg.Redis.URL != "" {
		rs, err := reportstore.NewRedisStoreFromURL(cfg.Redis.URL, cfg.Redis.ReportTTL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		reports = rs
		checks["redis"] = rs.Ping
		slog.Info("report store ready", "backend", "redis", "ttl", cfg.Redis.ReportTTL.String())
	} else {
		reports = reportstore.NewMemoryStore(cfg.Redis.ReportTTL)
		slog.Info("report store ready", "backend", "memory", "ttl", cfg.Redis.ReportTTL.String())
	}
	defer reports.Close()

	opts := []core.Option{
		core.WithAuditRecorder(store),
		core.WithReportPublisher(reports),
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(cfg.Metrics.Namespace, reg)
		opts = append(opts, core.WithObserver(m))
	}

	service := core.NewService(store, core.ServiceConfig{
		ItemConcurrency:   cfg.Batch.ItemConcurrency,
		MaxConcurrentRuns: cfg.Batch.MaxConcurrentRuns,
		AdmissionWait:     cfg.Batch.AdmissionWait,
		Retention:         cfg.Batch.Retention,
		FileLimits: core.FileLimits{
			MaxFileSize:       cfg.Import.MaxFileSize,
			MaxRows:           cfg.Import.MaxRows,
			Delimiter:         cfg.Import.DelimiterRune(),
			AllowedExtensions: cfg.Import.AllowedExtensions,
		},
	}, opts...)

	server := web.NewServer(service, cfg, web.Deps{
		Reports: reports,
		Audit:   store,
		Metrics: m,
		Checks:  checks,
	})

	// Background jobs stop with the signal context
	go service.StartMaintenanceScheduler(ctx, core.MaintenanceConfig{
		CheckInterval:      cfg.Batch.JanitorInterval,
		AuditRetentionDays: cfg.Batch.AuditRetentionDays,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
	}

	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Let in-flight runs and commits finish before the pool closes
	if status := service.LimiterStatus(); status.Active > 0 {
		slog.Info("waiting for runs to complete", "active", status.Active)
		if err := service.WaitForRuns(shutdownCtx); err != nil {
			slog.Warn("runs did not complete in time", "error", err)
		} else {
			slog.Info("all runs completed")
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
