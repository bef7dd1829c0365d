package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/glimpse/internal/app/migrate"
	"github.com/splax/glimpse/internal/build"
	httpx "github.com/splax/glimpse/internal/http"
	"github.com/splax/glimpse/internal/registry"
	"github.com/splax/glimpse/internal/repository"
	"github.com/splax/glimpse/internal/repository/postgres"
	"github.com/splax/glimpse/internal/runtime"
	"github.com/splax/glimpse/internal/service/sandbox"
	"github.com/splax/glimpse/internal/sweeper"
	"github.com/splax/glimpse/internal/workspace"
	"github.com/splax/glimpse/internal/ws"
	"github.com/splax/glimpse/pkg/config"
	"github.com/splax/glimpse/pkg/logger"
)

func main() {
	cfg := config.LoadSandboxConfig()
	log := logger.New("glimpsed", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		projectRepo repository.ProjectRepository
		eventRepo   repository.EventRepository
		dbHealth    func(context.Context) error
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		repo := postgres.New(pool)
		projectRepo = repo
		eventRepo = repo
		dbHealth = pool.Ping
	} else {
		log.Warn("no database configured; project records will not survive a restart")
	}

	manager, err := workspace.New(cfg.DataDir)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err, "data_dir", cfg.DataDir)
		os.Exit(1)
	}
	pool, err := runtime.NewPortPool(cfg.PortRangeStart, cfg.PortRangeSize)
	if err != nil {
		log.Error("invalid port range", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	supervisor := runtime.NewSupervisor(pool, log, cfg.NpmBin, cfg.StopTimeout)
	builder := build.NewRunner(log, cfg.NpmBin, cfg.InstallTimeout, cfg.BuildTimeout)
	svc := sandbox.New(registry.New(), manager, builder, supervisor, hub, projectRepo, eventRepo, log, cfg)
	defer svc.Close()

	if err := svc.Restore(ctx); err != nil {
		log.Error("registry restore failed", "error", err)
		os.Exit(1)
	}

	go sweeper.New(svc, log, cfg.SweepInterval).Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, svc, hub, limiter, cfg.AdminToken, cfg.MaxArchiveBytes, cfg.PreviewPathPrefix, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("sandbox server starting", "addr", cfg.Addr, "data_dir", cfg.DataDir)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("sandbox server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
