package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Run modes
const (
	ModeServer   = "server"
	ModeWorker   = "worker"
	ModeEmbedded = "embedded"
)

// Analysis providers
const (
	ProviderGemini = "gemini"
	ProviderMock   = "mock"
)

// Config holds application configuration loaded from environment variables
type Config struct {
	Env  string
	Port string
	Mode string

	DatabaseURL string
	RedisURL    string

	LogLevel  string
	LogFormat string

	WorkerConcurrency int
	ReportSchedule    string
	ReportTimezone    string
	ReportLease       time.Duration

	Provider              string
	GoogleProjectID       string
	GoogleLocation        string
	GoogleCredentialsFile string
	GeminiModel           string
	ProviderTimeout       time.Duration

	ImageDir     string
	ImageBaseURL string

	EventBuffer int
}

// Load reads configuration from environment variables, after loading .env if present
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg := &Config{
		Env:                   getEnvWithDefault("ENV", "development"),
		Port:                  getEnvWithDefault("PORT", "8080"),
		Mode:                  getEnvWithDefault("MODE", ModeEmbedded),
		DatabaseURL:           getEnvWithDefault("DATABASE_URL", "sqlite://balanced-plate.db"),
		RedisURL:              getEnvWithDefault("REDIS_URL", "redis://localhost:6379/0"),
		LogLevel:              getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat:             getEnvWithDefault("LOG_FORMAT", "text"),
		WorkerConcurrency:     getIntWithDefault("WORKER_CONCURRENCY", 5),
		ReportSchedule:        getEnvWithDefault("REPORT_SCHEDULE", "0 6 * * 1"),
		ReportTimezone:        getEnvWithDefault("REPORT_TIMEZONE", "UTC"),
		ReportLease:           getDurationWithDefault("REPORT_LEASE", 15*time.Minute),
		Provider:              getEnvWithDefault("PROVIDER", ProviderGemini),
		GoogleProjectID:       os.Getenv("GOOGLE_PROJECT_ID"),
		GoogleLocation:        getEnvWithDefault("GOOGLE_LOCATION", "us-central1"),
		GoogleCredentialsFile: os.Getenv("GOOGLE_CREDENTIALS_FILE"),
		GeminiModel:           getEnvWithDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		ProviderTimeout:       getDurationWithDefault("PROVIDER_TIMEOUT", 30*time.Second),
		ImageDir:              getEnvWithDefault("IMAGE_DIR", "./uploads"),
		ImageBaseURL:          os.Getenv("IMAGE_BASE_URL"),
		EventBuffer:           getIntWithDefault("EVENT_BUFFER", 64),
	}

	// Without a project the provider cannot be dialed; fall back to canned results
	if cfg.Provider == ProviderGemini && cfg.GoogleProjectID == "" {
		slog.Warn("GOOGLE_PROJECT_ID not set, using mock analysis provider")
		cfg.Provider = ProviderMock
	}

	return cfg
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServer, ModeWorker, ModeEmbedded:
	default:
		return fmt.Errorf("invalid MODE %q: want %s, %s or %s", c.Mode, ModeServer, ModeWorker, ModeEmbedded)
	}
	switch c.Provider {
	case ProviderGemini, ProviderMock:
	default:
		return fmt.Errorf("invalid PROVIDER %q: want %s or %s", c.Provider, ProviderGemini, ProviderMock)
	}
	if _, err := time.LoadLocation(c.ReportTimezone); err != nil {
		return fmt.Errorf("invalid REPORT_TIMEZONE %q: %w", c.ReportTimezone, err)
	}
	return nil
}

// IsDevelopment reports whether the process runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		slog.Warn("Invalid integer setting, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return n
}

func getDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Warn("Invalid duration setting, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return d
}
