package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/jcastellanos/migrator/internal/audit"
	"github.com/jcastellanos/migrator/internal/config"
	"github.com/jcastellanos/migrator/internal/logging"
	"github.com/jcastellanos/migrator/internal/migrate"
	"github.com/jcastellanos/migrator/internal/process"
	"github.com/jcastellanos/migrator/internal/routing"
	"github.com/jcastellanos/migrator/internal/source"
	"github.com/jcastellanos/migrator/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"addr", cfg.Server.Addr(),
		"db_max_conns", cfg.Databases.MaxConns,
		"run_batch_size", cfg.Run.BatchSize,
		"run_max_concurrent", cfg.Run.MaxConcurrent,
	)

	ctx := context.Background()

	// One pool per distinct connection URL; roles sharing a URL share the pool
	pools := make(map[string]*pgxpool.Pool)
	poolFor := func(connURL string) *pgxpool.Pool {
		if pool, ok := pools[connURL]; ok {
			return pool
		}
		poolConfig, err := pgxpool.ParseConfig(connURL)
		if err != nil {
			slog.Error("failed to parse database URL", "error", err)
			os.Exit(1)
		}
		poolConfig.MaxConns = int32(cfg.Databases.MaxConns)
		poolConfig.MinConns = int32(cfg.Databases.MinConns)
		poolConfig.MaxConnLifetime = cfg.Databases.MaxConnLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := pool.Ping(ctx); err != nil {
			slog.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		if u, err := url.Parse(connURL); err == nil {
			slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
		}
		pools[connURL] = pool
		return pool
	}
	defer func() {
		for _, pool := range pools {
			pool.Close()
		}
	}()

	roleNames := map[routing.Role]string{
		routing.RoleOperationalConfig: cfg.Routing.OperationalConfig,
		routing.RoleAuditLog:          cfg.Routing.AuditLog,
		routing.RoleBusinessData:      cfg.Routing.BusinessData,
	}
	conns := make(map[routing.Role]routing.Conn, len(roleNames))
	for role, name := range roleNames {
		conns[role] = poolFor(cfg.Databases.ConnectionURL(name))
	}

	// Misrouted configuration must stop the service before it serves anything
	router, err := routing.New(conns, roleNames, routing.DefaultDeclarations())
	if err != nil {
		slog.Error("destination routing is misconfigured", "error", err)
		os.Exit(1)
	}

	store, err := process.NewStore(router)
	if err != nil {
		slog.Error("failed to wire process store", "error", err)
		os.Exit(1)
	}
	runLog, err := audit.NewLog(router)
	if err != nil {
		slog.Error("failed to wire execution log", "error", err)
		os.Exit(1)
	}
	mirror, err := audit.NewMirror(router)
	if err != nil {
		slog.Error("failed to wire process catalog mirror", "error", err)
		os.Exit(1)
	}
	writer, err := migrate.NewPgWriter(router)
	if err != nil {
		slog.Error("failed to wire batch writer", "error", err)
		os.Exit(1)
	}

	for name, ensure := range map[string]func(context.Context) error{
		"processes":       store.EnsureSchema,
		"execution log":   runLog.EnsureSchema,
		"process catalog": mirror.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			slog.Error("failed to ensure schema", "schema", name, "error", err)
			os.Exit(1)
		}
	}

	factory := source.Factory{
		MaxFileSize:     cfg.Source.MaxFileSize,
		FetchTimeout:    cfg.Source.FetchTimeout,
		ValidateTimeout: cfg.Source.ValidateTimeout,
		QueryTimeout:    cfg.Source.QueryTimeout,
		MaxOpenConns:    cfg.Databases.MaxConns,
	}

	limiter := migrate.NewRunLimiter(cfg.Run.MaxConcurrent, cfg.Run.MaxWaitTime)
	executor := migrate.NewExecutor(store, runLog, mirror, writer, factory, limiter, cfg.Run)

	server := web.NewServer(store, executor, runLog, mirror, factory, limiter, cfg.Server)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if active := limiter.ActiveCount(); active > 0 {
			slog.Info("waiting for runs to complete", "active", active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("runs did not complete in time", "error", err)
			} else {
				slog.Info("all runs completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
