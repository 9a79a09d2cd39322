// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// ErrMissingRequired is returned when production boot is attempted without
// the full set of required environment variables.
var ErrMissingRequired = errors.New("config: missing required environment variables")

// Config holds all configuration for the worker.
type Config struct {
	// Server settings
	Port   int    `env:"PORT, default=8080" json:"port"`
	AppEnv string `env:"APP_ENV, default=development" json:"app_env"`

	// WorkerSecret authenticates the task queue and the gateway.
	WorkerSecret string `env:"WORKER_SECRET" json:"-"` // Masked in JSON
	// WorkerBaseURL is the externally reachable URL of this worker,
	// used as the target of task-queue callbacks.
	WorkerBaseURL string `env:"WORKER_BASE_URL, default=http://localhost:8080" json:"worker_base_url"`

	// Vision API settings (OCR)
	VisionAPIKey  string `env:"VISION_API_KEY" json:"-"`
	VisionBaseURL string `env:"VISION_BASE_URL, default=https://generativelanguage.googleapis.com/v1beta" json:"vision_base_url"`

	// Speech API settings (transcription)
	SpeechAPIKey  string `env:"SPEECH_API_KEY" json:"-"`
	SpeechBaseURL string `env:"SPEECH_BASE_URL, default=https://api.openai.com/v1" json:"speech_base_url"`

	// Object store (R2) settings
	R2AccountID       string `env:"R2_ACCOUNT_ID" json:"r2_account_id,omitempty"`
	R2AccessKeyID     string `env:"R2_ACCESS_KEY_ID" json:"-"`
	R2SecretAccessKey string `env:"R2_SECRET_ACCESS_KEY" json:"-"`
	R2Bucket          string `env:"R2_BUCKET" json:"r2_bucket,omitempty"`

	// Status store settings. In production the REST store at
	// StatusStoreURL is used; in development a local sqlite file.
	StatusStoreURL  string `env:"STATUS_STORE_URL" json:"status_store_url,omitempty"`
	StatusStoreKey  string `env:"STATUS_STORE_KEY" json:"-"`
	StatusStorePath string `env:"STATUS_STORE_PATH, default=scenereport.db" json:"status_store_path"`

	// Task queue settings
	TasksProject  string `env:"TASKS_PROJECT" json:"tasks_project,omitempty"`
	TasksLocation string `env:"TASKS_LOCATION" json:"tasks_location,omitempty"`
	TasksQueue    string `env:"TASKS_QUEUE, default=scenereport-jobs" json:"tasks_queue"`

	// Quota service settings (advisory; intake only)
	QuotaServiceURL string `env:"QUOTA_SERVICE_URL" json:"quota_service_url,omitempty"`

	// Processing settings
	TempDir   string `env:"TEMP_DIR, default=/tmp/scenereport" json:"temp_dir"`
	BatchSize int    `env:"OCR_BATCH_SIZE, default=100" json:"batch_size"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"

	// Build information reported by /health.
	Revision  string `env:"SERVICE_REVISION, default=dev" json:"revision"`
	BuildTime string `env:"BUILD_TIME" json:"build_time,omitempty"`
	Commit    string `env:"GIT_COMMIT" json:"commit,omitempty"`
}

// Production returns true when the worker runs with production semantics:
// status-store write failures abort the job and all credentials are required.
func (c *Config) Production() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// Load reads configuration from environment variables using go-envconfig.
// In production, Validate is applied and missing credentials are fatal.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.Production() {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks that all variables required for production are present.
func (c *Config) Validate() error {
	required := map[string]string{
		"WORKER_SECRET":        c.WorkerSecret,
		"VISION_API_KEY":       c.VisionAPIKey,
		"SPEECH_API_KEY":       c.SpeechAPIKey,
		"R2_ACCOUNT_ID":        c.R2AccountID,
		"R2_ACCESS_KEY_ID":     c.R2AccessKeyID,
		"R2_SECRET_ACCESS_KEY": c.R2SecretAccessKey,
		"R2_BUCKET":            c.R2Bucket,
		"STATUS_STORE_URL":     c.StatusStoreURL,
		"STATUS_STORE_KEY":     c.StatusStoreKey,
		"TASKS_PROJECT":        c.TasksProject,
		"TASKS_LOCATION":       c.TasksLocation,
	}

	var missing []string
	for name, value := range required {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}
	return nil
}

// R2Endpoint returns the S3-compatible endpoint for the configured account.
func (c *Config) R2Endpoint() string {
	if c.R2AccountID == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.R2AccountID)
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, AppEnv: %s, WorkerBaseURL: %s, R2Bucket: %s, StatusStoreURL: %s, TasksQueue: %s, TempDir: %s, BatchSize: %d, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.AppEnv,
		c.WorkerBaseURL,
		c.R2Bucket,
		c.StatusStoreURL,
		c.TasksQueue,
		c.TempDir,
		c.BatchSize,
		c.LogFormat,
		c.LogLevel,
	)
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
