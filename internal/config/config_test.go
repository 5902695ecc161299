package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 1600, cfg.MaxWidth)
	assert.Equal(t, 75, cfg.Quality)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"APP_ADDR":         ":9000",
		"UPLOADS_DIR":      "/tmp/up",
		"MAX_UPLOAD_BYTES": "1024",
		"QUALITY":          "60",
		"WORKERS":          "3",
		"UPLOAD_TTL":       "15m",
		"LOG_LEVEL":        "debug",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "/tmp/up", cfg.UploadsDir)
	assert.Equal(t, int64(1024), cfg.MaxUploadBytes)
	assert.Equal(t, 60, cfg.Quality)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 15*time.Minute, cfg.UploadTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":4000"
store_backend: s3
public_base_url: https://cdn.example.com/artifacts
output_ttl: 24h
s3:
  bucket: ${BUCKET}
  prefix: compressed
  use_path_style: true
`), 0o644))

	cfg, err := Load(path, envMap(map[string]string{"BUCKET": "images", "QUALITY": "80"}))
	require.NoError(t, err)
	assert.Equal(t, ":4000", cfg.Addr)
	assert.Equal(t, BackendS3, cfg.StoreBackend)
	assert.Equal(t, "images", cfg.S3.Bucket)
	assert.Equal(t, "compressed", cfg.S3.Prefix)
	assert.True(t, cfg.S3.UsePathStyle)
	assert.Equal(t, 24*time.Hour, cfg.OutputTTL)
	assert.Equal(t, 80, cfg.Quality, "environment wins over the file")
	assert.Equal(t, 1600, cfg.MaxWidth, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), envMap(nil))
	assert.ErrorContains(t, err, "config file not found")
}

func TestLoad_BadEnv(t *testing.T) {
	_, err := Load("", envMap(map[string]string{"WORKERS": "many"}))
	assert.ErrorContains(t, err, "WORKERS")

	_, err = Load("", envMap(map[string]string{"UPLOAD_TTL": "soon"}))
	assert.ErrorContains(t, err, "UPLOAD_TTL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"quality too high", func(c *Config) { c.Quality = 101 }, "quality"},
		{"zero width", func(c *Config) { c.MaxWidth = 0 }, "max_width"},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"unknown backend", func(c *Config) { c.StoreBackend = "ftp" }, "store_backend"},
		{"s3 without bucket", func(c *Config) { c.StoreBackend = BackendS3; c.PublicBaseURL = "https://x" }, "bucket"},
		{"s3 without public url", func(c *Config) { c.StoreBackend = BackendS3; c.S3.Bucket = "b" }, "public_base_url"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
}
