package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-sweep/internal/app"
	"github.com/ksred/klear-sweep/internal/config"
)

// main runs the pipeline API server with graceful shutdown support
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	app.ConfigureLogging(cfg)

	pipeline, err := app.New(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}
	defer pipeline.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedulerDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		go func() {
			defer close(schedulerDone)
			pipeline.Scheduler.Start(ctx)
		}()
	} else {
		close(schedulerDone)
		zlog.Info().Msg("Scheduler disabled; stages run on demand only")
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: pipeline.Router(ctx),
	}

	go func() {
		zlog.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("execution_mode", cfg.Execution.Mode).
			Msg("Pipeline server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give in-flight requests 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	cancel()
	<-schedulerDone

	zlog.Info().Msg("Server exiting")
}
