package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.Server.URL)
	assert.Empty(t, cfg.Server.Token)
	assert.Equal(t, time.Second, cfg.Stream.BackoffBase)
	assert.Equal(t, 1.5, cfg.Stream.BackoffMultiplier)
	assert.Equal(t, 5, cfg.Stream.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 8000, cfg.Devserver.Port)
	assert.Equal(t, 300*time.Millisecond, cfg.Devserver.StepDelay)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repolens.yaml")
	content := []byte(`
server:
  url: https://analysis.example.com
  token: abc123
stream:
  backoff_base: 500ms
  backoff_multiplier: 2.0
  max_attempts: 3
poll:
  interval: 2s
devserver:
  port: 9000
  fail_at: runtime_analysis
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://analysis.example.com", cfg.Server.URL)
	assert.Equal(t, "abc123", cfg.Server.Token)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.BackoffBase)
	assert.Equal(t, 2.0, cfg.Stream.BackoffMultiplier)
	assert.Equal(t, 3, cfg.Stream.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 9000, cfg.Devserver.Port)
	assert.Equal(t, "runtime_analysis", cfg.Devserver.FailAt)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("REPOLENS_SERVER_URL", "https://env.example.com")
	t.Setenv("REPOLENS_SERVER_TOKEN", "env-token")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Server.URL)
	assert.Equal(t, "env-token", cfg.Server.Token)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server: ServerConfig{URL: "http://localhost:8000"},
			Stream: StreamConfig{
				BackoffBase:       time.Second,
				BackoffMultiplier: 1.5,
				MaxAttempts:       5,
			},
			Poll:      PollConfig{Interval: 10 * time.Second},
			Devserver: DevserverConfig{Port: 8000},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing server url", func(c *Config) { c.Server.URL = "" }, ErrMissingServerURL},
		{"zero backoff base", func(c *Config) { c.Stream.BackoffBase = 0 }, ErrInvalidBackoff},
		{"multiplier below one", func(c *Config) { c.Stream.BackoffMultiplier = 0.5 }, ErrInvalidMultiplier},
		{"zero max attempts", func(c *Config) { c.Stream.MaxAttempts = 0 }, ErrInvalidAttempts},
		{"zero poll interval", func(c *Config) { c.Poll.Interval = 0 }, ErrInvalidInterval},
		{"port out of range", func(c *Config) { c.Devserver.Port = 70000 }, ErrInvalidPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}
