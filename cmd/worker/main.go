// Package main provides the entry point for the video analysis worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/scenereport/worker/internal/bootstrap"
	"github.com/scenereport/worker/internal/config"
	"github.com/scenereport/worker/internal/server"
	"github.com/scenereport/worker/internal/shutdown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A local .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting worker",
		slog.Int("port", cfg.Port),
		slog.String("app_env", cfg.AppEnv),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.Int("batch_size", cfg.BatchSize),
		slog.String("revision", cfg.Revision),
	)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	handlers := server.NewHandlers(deps.ServerDeps(),
		server.WithLogger(logger),
		server.WithProduction(cfg.Production()),
		server.WithBuildInfo(server.BuildInfo{
			Revision:  cfg.Revision,
			BuildTime: cfg.BuildTime,
			Commit:    cfg.Commit,
		}),
	)
	router := server.NewRouter(handlers, cfg.WorkerSecret, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 35 * time.Minute, // Task-queue callbacks process whole videos
		IdleTimeout:  60 * time.Second,
	}

	// Interruptions fail the active jobs with a user-readable message
	// before the server stops accepting work.
	interrupted := shutdown.Watch(deps.Registry, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case code := <-interrupted:
		logger.Info("active jobs flushed, shutting down",
			slog.String("code", string(code)),
		)
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
