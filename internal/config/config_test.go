package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileThenEnv(t *testing.T) {
	chdir(t, t.TempDir())
	yamlContent := `server:
  port: "9090"
logging:
  level: debug
course_api:
  url: "https://courses.example.com"
  timeout: 20s
progress:
  completion_threshold: 90
sync:
  heartbeat: 5s
viewer:
  notice_ttl: 2s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	t.Setenv("COURSE_API_URL", "https://override.example.com/")
	t.Setenv("SYNC_ERROR_COOLDOWN", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "https://override.example.com", cfg.CourseAPI.URL)
	assert.Equal(t, 20*time.Second, cfg.CourseAPI.Timeout)
	assert.Equal(t, 90.0, cfg.Progress.CompletionThreshold)
	assert.Equal(t, 5.0, cfg.Progress.BucketSeconds, "unset values keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Sync.Heartbeat)
	assert.Equal(t, time.Second, cfg.Sync.ErrorCooldown)
	assert.Equal(t, 2*time.Second, cfg.Viewer.NoticeTTL)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COURSE_API_URL=https://dotenv.example.com\n"), 0644))
	t.Setenv("COURSE_API_URL", "")
	os.Unsetenv("COURSE_API_URL")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://dotenv.example.com", cfg.CourseAPI.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("COURSE_API_URL", "https://courses.example.com")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	chdir(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults with url", func(c *Config) {}, false},
		{"missing url", func(c *Config) { c.CourseAPI.URL = "" }, true},
		{"zero bucket", func(c *Config) { c.Progress.BucketSeconds = 0 }, true},
		{"threshold above 100", func(c *Config) { c.Progress.CompletionThreshold = 101 }, true},
		{"zero heartbeat", func(c *Config) { c.Sync.Heartbeat = 0 }, true},
		{"zero cooldown", func(c *Config) { c.Sync.ErrorCooldown = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.CourseAPI.URL = "https://courses.example.com"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				var cfgErr *ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
