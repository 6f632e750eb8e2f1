package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/app/seed"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/repository/postgres"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/auth"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/config"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/logger"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadAPIConfig()

	file := flag.String("file", cfg.SeedFile, "seed fixture (YAML)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	flag.Parse()

	log := logger.New("seed", logger.ParseLevel(cfg.LogLevel))

	fixture, err := seed.Load(*file)
	if err != nil {
		log.Error("failed to load seed fixture", "file", *file, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := postgres.New(pool)
	authSvc := auth.New(repo, repo, repo, nil, log, cfg)
	if _, err := seed.New(authSvc, repo, log).Apply(ctx, fixture); err != nil {
		log.Error("seed failed", "file", *file, "error", err)
		os.Exit(1)
	}
}
