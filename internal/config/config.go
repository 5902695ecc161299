package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"imagecompressor/internal/store"
)

const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Config holds every runtime setting of the server.
type Config struct {
	Addr           string         `yaml:"addr"`
	UploadsDir     string         `yaml:"uploads_dir"`
	OutputsDir     string         `yaml:"outputs_dir"`
	MaxUploadBytes int64          `yaml:"max_upload_bytes"`
	MaxWidth       int            `yaml:"max_width"`
	Quality        int            `yaml:"quality"`
	Workers        int            `yaml:"workers"`
	PublicBaseURL  string         `yaml:"public_base_url"`
	StoreBackend   string         `yaml:"store_backend"`
	S3             store.S3Config `yaml:"s3"`
	UploadTTL      time.Duration  `yaml:"upload_ttl"`
	OutputTTL      time.Duration  `yaml:"output_ttl"`
	LogLevel       string         `yaml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:           ":3000",
		UploadsDir:     "uploads",
		OutputsDir:     "outputs",
		MaxUploadBytes: 200 * 1024 * 1024,
		MaxWidth:       1600,
		Quality:        75,
		StoreBackend:   BackendLocal,
		UploadTTL:      time.Hour,
		LogLevel:       "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins).
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %s", path)
			}
			return cfg, fmt.Errorf("cannot read config file %q: %w", path, err)
		}
		expanded := os.Expand(string(data), getenv)
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	cfg.Addr = envOrDefault(getenv, "APP_ADDR", cfg.Addr)
	cfg.UploadsDir = envOrDefault(getenv, "UPLOADS_DIR", cfg.UploadsDir)
	cfg.OutputsDir = envOrDefault(getenv, "OUTPUTS_DIR", cfg.OutputsDir)
	cfg.PublicBaseURL = envOrDefault(getenv, "PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.StoreBackend = strings.ToLower(envOrDefault(getenv, "STORE_BACKEND", cfg.StoreBackend))
	cfg.S3.Bucket = envOrDefault(getenv, "S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Prefix = envOrDefault(getenv, "S3_PREFIX", cfg.S3.Prefix)
	cfg.S3.Region = envOrDefault(getenv, "S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = envOrDefault(getenv, "S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.LogLevel = envOrDefault(getenv, "LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.MaxUploadBytes, err = envInt64(getenv, "MAX_UPLOAD_BYTES", cfg.MaxUploadBytes); err != nil {
		return err
	}
	var n int64
	if n, err = envInt64(getenv, "MAX_WIDTH", int64(cfg.MaxWidth)); err != nil {
		return err
	}
	cfg.MaxWidth = int(n)
	if n, err = envInt64(getenv, "QUALITY", int64(cfg.Quality)); err != nil {
		return err
	}
	cfg.Quality = int(n)
	if n, err = envInt64(getenv, "WORKERS", int64(cfg.Workers)); err != nil {
		return err
	}
	cfg.Workers = int(n)
	if v := getenv("S3_PATH_STYLE"); v != "" {
		if cfg.S3.UsePathStyle, err = strconv.ParseBool(v); err != nil {
			return fmt.Errorf("invalid S3_PATH_STYLE %q: %w", v, err)
		}
	}
	if cfg.UploadTTL, err = envDuration(getenv, "UPLOAD_TTL", cfg.UploadTTL); err != nil {
		return err
	}
	if cfg.OutputTTL, err = envDuration(getenv, "OUTPUT_TTL", cfg.OutputTTL); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.UploadsDir == "" || c.OutputsDir == "" {
		errs = append(errs, errors.New("uploads_dir and outputs_dir are required"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes))
	}
	if c.MaxWidth <= 0 {
		errs = append(errs, fmt.Errorf("max_width must be positive, got %d", c.MaxWidth))
	}
	if c.Quality < 0 || c.Quality > 100 {
		errs = append(errs, fmt.Errorf("quality must be within 0-100, got %d", c.Quality))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	switch c.StoreBackend {
	case BackendLocal:
	case BackendS3:
		if err := c.S3.Validate(); err != nil {
			errs = append(errs, err)
		}
		if c.PublicBaseURL == "" {
			errs = append(errs, errors.New("public_base_url is required with the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_backend %q", c.StoreBackend))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
	return lvl, nil
}

func envOrDefault(getenv func(string) string, key, fallback string) string {
	if val := getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt64(getenv func(string) string, key string, fallback int64) (int64, error) {
	val := getenv(key)
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return parsed, nil
}

func envDuration(getenv func(string) string, key string, fallback time.Duration) (time.Duration, error) {
	val := getenv(key)
	if val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return parsed, nil
}
