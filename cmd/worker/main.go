package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/app"
	"github.com/paybackrewards/payback-api/internal/config"
	"github.com/paybackrewards/payback-api/internal/domain/payback"
	"github.com/paybackrewards/payback-api/internal/pkg/database"
	"github.com/paybackrewards/payback-api/internal/pkg/logger"
)

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().Msg("Starting payback worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := app.Build(ctx, cfg, db, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build payback engine")
	}

	scheduler, err := app.NewScheduler(ctx, cfg, rt.Engine)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}
	scheduler.Start()

	done := make(chan struct{})
	if rt.Queue != nil {
		go func() {
			defer close(done)
			if err := rt.Queue.Consume(ctx, payback.JobHandler(rt.Engine.Outbound)); err != nil {
				log.Error().Err(err).Msg("Job consumer exited")
			}
		}()
	} else {
		log.Warn().Msg("No job queue configured, only periodic sweeps run in this process")
		close(done)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info().Msg("Shutting down worker...")
	cancel()
	<-done

	if err := scheduler.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown failed")
	}
	log.Info().Msg("Worker exited properly")
}
