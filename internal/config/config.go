package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// CourseAPI is the remote course/progress REST service
	CourseAPI struct {
		URL string `yaml:"url"`
		// Token is optional; sessions normally forward the learner's own bearer token
		Token    string        `yaml:"token"`
		Timeout  time.Duration `yaml:"timeout"`
		Rate     time.Duration `yaml:"rate"`
		Burst    int           `yaml:"burst"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"course_api"`

	Progress struct {
		BucketSeconds       float64 `yaml:"bucket_seconds"`
		CompletionThreshold float64 `yaml:"completion_threshold"`
	} `yaml:"progress"`

	Sync struct {
		Heartbeat            time.Duration `yaml:"heartbeat"`
		SeekThresholdSeconds float64       `yaml:"seek_threshold_seconds"`
		ErrorCooldown        time.Duration `yaml:"error_cooldown"`
		FlushTimeout         time.Duration `yaml:"flush_timeout"`
	} `yaml:"sync"`

	Viewer struct {
		NoticeTTL time.Duration `yaml:"notice_ttl"`
	} `yaml:"viewer"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
}

// Default returns a configuration populated with default values
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.CourseAPI.Timeout = 15 * time.Second
	cfg.CourseAPI.Rate = 100 * time.Millisecond
	cfg.CourseAPI.Burst = 10
	cfg.CourseAPI.CacheTTL = 5 * time.Minute
	cfg.Progress.BucketSeconds = 5
	cfg.Progress.CompletionThreshold = 95
	cfg.Sync.Heartbeat = 3 * time.Second
	cfg.Sync.SeekThresholdSeconds = 10
	cfg.Sync.ErrorCooldown = 3 * time.Second
	cfg.Sync.FlushTimeout = 5 * time.Second
	cfg.Viewer.NoticeTTL = 4 * time.Second
	cfg.Database.Path = "./data/outbox.db"
	return cfg
}

// Load builds the configuration. Priority: environment > .env file > config file > defaults.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFile(cfg, configFile); err != nil {
			return nil, err
		}
	}

	// A missing .env is normal; variables already set in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = abs
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadFromEnv overrides values from environment variables
func loadFromEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	cfg.Server.ShutdownTimeout = getDurationFromEnv("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if url := os.Getenv("COURSE_API_URL"); url != "" {
		cfg.CourseAPI.URL = strings.TrimSuffix(url, "/")
	}
	if token := os.Getenv("COURSE_API_TOKEN"); token != "" {
		cfg.CourseAPI.Token = token
	}
	cfg.CourseAPI.Timeout = getDurationFromEnv("COURSE_API_TIMEOUT", cfg.CourseAPI.Timeout)
	cfg.CourseAPI.Rate = getDurationFromEnv("COURSE_API_RATE", cfg.CourseAPI.Rate)
	cfg.CourseAPI.Burst = getIntFromEnv("COURSE_API_BURST", cfg.CourseAPI.Burst)
	cfg.CourseAPI.CacheTTL = getDurationFromEnv("COURSE_API_CACHE_TTL", cfg.CourseAPI.CacheTTL)

	cfg.Progress.BucketSeconds = getFloat64FromEnv("PROGRESS_BUCKET_SECONDS", cfg.Progress.BucketSeconds)
	cfg.Progress.CompletionThreshold = getFloat64FromEnv("PROGRESS_COMPLETION_THRESHOLD", cfg.Progress.CompletionThreshold)

	cfg.Sync.Heartbeat = getDurationFromEnv("SYNC_HEARTBEAT", cfg.Sync.Heartbeat)
	cfg.Sync.SeekThresholdSeconds = getFloat64FromEnv("SYNC_SEEK_THRESHOLD_SECONDS", cfg.Sync.SeekThresholdSeconds)
	cfg.Sync.ErrorCooldown = getDurationFromEnv("SYNC_ERROR_COOLDOWN", cfg.Sync.ErrorCooldown)
	cfg.Sync.FlushTimeout = getDurationFromEnv("SYNC_FLUSH_TIMEOUT", cfg.Sync.FlushTimeout)

	cfg.Viewer.NoticeTTL = getDurationFromEnv("VIEWER_NOTICE_TTL", cfg.Viewer.NoticeTTL)

	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.Database.Path = path
	}
}

// Validate checks that required values are present and thresholds are sane
func (c *Config) Validate() error {
	var problems []string

	if c.CourseAPI.URL == "" {
		problems = append(problems, "COURSE_API_URL is required")
	}
	if c.Progress.BucketSeconds <= 0 {
		problems = append(problems, "progress.bucket_seconds must be positive")
	}
	if c.Progress.CompletionThreshold <= 0 || c.Progress.CompletionThreshold > 100 {
		problems = append(problems, "progress.completion_threshold must be in (0, 100]")
	}
	if c.Sync.Heartbeat <= 0 {
		problems = append(problems, "sync.heartbeat must be positive")
	}
	if c.Sync.SeekThresholdSeconds <= 0 {
		problems = append(problems, "sync.seek_threshold_seconds must be positive")
	}
	if c.Sync.ErrorCooldown <= 0 {
		problems = append(problems, "sync.error_cooldown must be positive")
	}

	if len(problems) > 0 {
		return &ConfigError{
			Field: strings.Join(problems, "; "),
			Msg:   "invalid configuration",
		}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Msg + ": " + e.Field
}

func getDurationFromEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		fmt.Fprintf(os.Stderr, "Warning: failed to parse duration from env var %s=%q\n", key, value)
	}
	return fallback
}

func getFloat64FromEnv(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		fmt.Fprintf(os.Stderr, "Warning: failed to parse float from env var %s=%q\n", key, value)
	}
	return fallback
}

func getIntFromEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		fmt.Fprintf(os.Stderr, "Warning: failed to parse int from env var %s=%q\n", key, value)
	}
	return fallback
}
