// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-isatty"
	"github.com/sethvargo/go-envconfig"
)

// ErrInvalidConfig is returned when a loaded value is out of range.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=8080" json:"port" validate:"gt=0,lte=65535"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	MaxUploadMB    int      `env:"MAX_UPLOAD_MB, default=512" json:"max_upload_mb" validate:"gt=0"`

	// Storage settings
	TempDir string `env:"TEMP_DIR, default=/tmp/ogthumb" json:"temp_dir" validate:"required"`

	// Media settings
	FFmpegPath string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path" validate:"required"`

	// Capture settings
	DefaultTimestamp float64       `env:"DEFAULT_TIMESTAMP_SECONDS, default=5" json:"default_timestamp_seconds" validate:"gte=0"`
	TargetWidth      int           `env:"TARGET_WIDTH, default=1200" json:"target_width" validate:"gt=0"`
	TargetHeight     int           `env:"TARGET_HEIGHT, default=630" json:"target_height" validate:"gt=0"`
	JPEGQuality      float64       `env:"JPEG_QUALITY, default=0.9" json:"jpeg_quality" validate:"gt=0,lte=1"`
	SeekTimeout      time.Duration `env:"SEEK_TIMEOUT, default=5s" json:"seek_timeout" validate:"gt=0"`
	MaxZoom          float64       `env:"MAX_ZOOM, default=3" json:"max_zoom" validate:"gte=1"`

	// Download settings
	FetchMaxRetries int `env:"FETCH_MAX_RETRIES, default=3" json:"fetch_max_retries" validate:"gte=0"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty" validate:"omitempty,url"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format" validate:"oneof=text json auto TEXT JSON AUTO"`
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"` // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Load reads configuration from environment variables using go-envconfig
// and validates it.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that every value is in range.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// "auto" picks text on a terminal and JSON otherwise.
func (c *Config) NewLogger() *slog.Logger {
	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	return c.newLogger(os.Stdout, tty)
}

func (c *Config) newLogger(w io.Writer, tty bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(c.LogLevel),
	}

	var handler slog.Handler
	switch strings.ToLower(c.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "auto":
		if tty {
			handler = slog.NewTextHandler(w, opts)
		} else {
			handler = slog.NewJSONHandler(w, opts)
		}
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, TempDir: %s, FFmpegPath: %s, DefaultTimestamp: %g, Target: %dx%d, JPEGQuality: %g, SeekTimeout: %s, MaxZoom: %g, MaxUploadMB: %d, S3Bucket: %s, S3Region: %s, AWSAccessKeyID: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.TempDir,
		c.FFmpegPath,
		c.DefaultTimestamp,
		c.TargetWidth,
		c.TargetHeight,
		c.JPEGQuality,
		c.SeekTimeout,
		c.MaxZoom,
		c.MaxUploadMB,
		c.S3Bucket,
		c.S3Region,
		mask(c.AWSAccessKeyID),
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
