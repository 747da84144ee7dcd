package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mfehub/hub/internal/app/migrate"
	httpx "github.com/mfehub/hub/internal/http"
	"github.com/mfehub/hub/internal/repository/postgres"
	"github.com/mfehub/hub/internal/service/events"
	"github.com/mfehub/hub/internal/service/ingest"
	"github.com/mfehub/hub/internal/service/registry"
	"github.com/mfehub/hub/internal/service/resolve"
	"github.com/mfehub/hub/internal/service/serve"
	"github.com/mfehub/hub/internal/storage"
	"github.com/mfehub/hub/internal/ws"
	"github.com/mfehub/hub/pkg/config"
	"github.com/mfehub/hub/pkg/logger"
)

func main() {
	cfg := config.LoadHubConfig()
	log := logger.New("hub", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	local, err := storage.NewLocal(cfg.ArtifactRoot, cfg.PublicBaseURL)
	if err != nil {
		log.Error("failed to prepare artifact storage", "error", err)
		os.Exit(1)
	}
	backends := storage.NewFactory(local, cfg.SecretsKey)

	eventHub := ws.NewHub()
	eventSvc := events.New(eventHub, log)
	cache := resolve.NewCache(cfg.ResolveCacheTTL, cfg.ResolveCacheSize)

	registrySvc := registry.New(registry.Deps{
		Projects:    repo,
		ApiKeys:     repo,
		Envs:        repo,
		Mfes:        repo,
		Storages:    repo,
		Deployments: repo,
		Canaries:    repo,
		Pins:        repo,
	}, log, cfg, eventSvc, cache)
	ingestSvc := ingest.New(ingest.Deps{
		Projects:    repo,
		Envs:        repo,
		Mfes:        repo,
		Storages:    repo,
		Deployments: repo,
	}, backends, log, cfg, eventSvc, cache)
	resolveSvc := resolve.New(repo, repo, repo, cache, log)
	serveSvc := serve.New(resolveSvc, repo, repo, repo, backends, local, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, registrySvc, ingestSvc, serveSvc, eventSvc, limiter, cfg.AdminTokenSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("hub server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("hub server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
