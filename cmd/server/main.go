// Package main provides the entry point for the ogthumb API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maauso/ogthumb/internal/bootstrap"
	"github.com/maauso/ogthumb/internal/config"
	"github.com/maauso/ogthumb/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting ogthumb API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.String("ffmpeg_path", cfg.FFmpegPath),
		slog.Int("target_width", cfg.TargetWidth),
		slog.Int("target_height", cfg.TargetHeight),
		slog.Duration("seek_timeout", cfg.SeekTimeout),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	// Initialize dependencies using bootstrap
	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	router := server.NewRouter(deps.Handlers, logger, server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // Uploads stream through the request body
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case err := <-errCh:
		_ = deps.SessionService.CloseAll(context.Background())
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	shutdownErr := srv.Shutdown(ctx)

	// Stop ffmpeg processes and remove temp videos
	if err := deps.SessionService.CloseAll(ctx); err != nil {
		logger.Warn("failed to close sessions", slog.String("error", err.Error()))
	}

	if shutdownErr != nil {
		return fmt.Errorf("shutdown failed: %w", shutdownErr)
	}

	logger.Info("server stopped gracefully")
	return nil
}
