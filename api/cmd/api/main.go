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
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/app/migrate"
	httpx "github.com/ThLemay/Nut-WebAPP-V3/api/internal/http"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository/memory"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository/postgres"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/auth"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/dashboard"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/lifecycle"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/ws"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/config"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/logger"
)

const memoryDSN = "memory://"

// store is the union of repositories every backend provides.
type store interface {
	repository.UserRepository
	repository.ProfileRepository
	repository.CompanyRepository
	repository.ContainerRepository
	repository.TransactionRepository
	repository.RewardRepository
	Ping(context.Context) error
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := make(map[string]httpx.HealthCheck)

	var repo store
	if cfg.DatabaseURL == memoryDSN {
		log.Warn("using in-memory storage, data is lost on exit")
		repo = memory.New()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.MigrationsDir, log)
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
		repo = pgStore{Repository: postgres.New(pool), pool: pool}
	}
	health["database"] = repo.Ping

	hub := ws.NewHub()
	defer hub.Close()

	var (
		publisher lifecycle.Publisher = ws.NewLocalPublisher(hub)
		revoker   auth.Revoker
		limiter   = httpx.NewMemoryRateLimiter()
	)
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable, using in-process realtime, revocation and rate limiting", "addr", addr, "error", err)
		} else {
			relay := ws.NewRedisRelay(rdb, cfg.RealtimeChannel, hub, log)
			go func() {
				if err := relay.Run(ctx); err != nil {
					log.Error("realtime relay stopped", "error", err)
				}
			}()
			publisher = relay
			revoker = auth.NewRedisRevoker(rdb)
			limiter.Close()
			limiter = httpx.NewRedisRateLimiter(rdb, log)
			health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		}
	}

	authSvc := auth.New(repo, repo, repo, revoker, log, cfg)
	lifecycleSvc := lifecycle.New(lifecycle.Stores{
		Containers:   repo,
		Profiles:     repo,
		Companies:    repo,
		Transactions: repo,
		Rewards:      repo,
	}, publisher, lifecycle.NewMetrics(prometheus.DefaultRegisterer), log)
	dashboardSvc := dashboard.New(repo, repo, log)

	router := httpx.NewRouter(log, authSvc, lifecycleSvc, dashboardSvc, hub, limiter, health, cfg.RealtimeHeartbeat)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

type pgStore struct {
	*postgres.Repository
	pool *pgxpool.Pool
}

func (s pgStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
