// Package bootstrap provides dependency initialization for the ogthumb server.
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/maauso/ogthumb/internal/config"
	"github.com/maauso/ogthumb/internal/fetch"
	"github.com/maauso/ogthumb/internal/frame"
	"github.com/maauso/ogthumb/internal/media"
	"github.com/maauso/ogthumb/internal/server"
	"github.com/maauso/ogthumb/internal/session"
	"github.com/maauso/ogthumb/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	SessionService *session.Service
	Handlers       *server.Handlers
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	// Initialize storage
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Initialize video opener and URL downloader
	opener := media.NewVideoOpener(
		media.WithFFmpegPath(cfg.FFmpegPath),
		media.WithLogger(logger),
	)
	downloader := fetch.NewClient(
		fetch.WithMaxRetries(cfg.FetchMaxRetries),
		fetch.WithMaxBytes(cfg.MaxUploadBytes()),
	)

	// Initialize session repository and service
	repo := session.NewMemoryRepository()
	svc := session.NewService(
		repo,
		store,
		opener,
		SessionConfig(cfg),
		session.WithDownloader(downloader),
		session.WithLogger(logger),
	)

	handlers := server.NewHandlers(svc, logger,
		server.WithMaxUploadBytes(cfg.MaxUploadBytes()),
	)

	return &Dependencies{
		SessionService: svc,
		Handlers:       handlers,
	}, nil
}

// SessionConfig maps the environment configuration to capture settings.
func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Target:             frame.TargetSpec{Width: cfg.TargetWidth, Height: cfg.TargetHeight},
		Quality:            cfg.JPEGQuality,
		PreferredTimestamp: cfg.DefaultTimestamp,
		SeekTimeout:        cfg.SeekTimeout,
		MaxZoom:            cfg.MaxZoom,
	}
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 video source configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
