package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedhub/config"
)

const sample = `
[server]
hostname = "feedhub.example"

[fetch]
timeout = "10s"

[refresh]
busy_delay = "2s"

[redis]
addr = "localhost:6379"

[[channels]]
name = "pets"

  [[channels.sources]]
  feed_url = "https://example.com/"
  filter = "dog,cat"

  [[channels.sources]]
  feed_url = "https://other.example/"
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedhub.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "feedhub.example", cfg.Server.Hostname)
	assert.Equal(t, ":3000", cfg.Server.Listen, "defaults survive")
	assert.Equal(t, 10*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 10, cfg.Fetch.MaxRedirects)
	assert.Equal(t, 2*time.Second, cfg.Refresh.BusyDelay)
	assert.Equal(t, 30*time.Minute, cfg.Refresh.StaleAfter)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, "pets", cfg.Channels[0].Name)
	assert.Equal(t, []config.TomlSource{
		{FeedURL: "https://example.com/", Filter: "dog,cat"},
		{FeedURL: "https://other.example/"},
	}, cfg.Channels[0].Sources)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\n"), 0o644))
	_, err = config.LoadConfig(path)
	assert.Error(t, err)

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLogConfigApply(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetFormatter(log.StandardLogger().Formatter)

	tests := []struct {
		name    string
		cfg     config.LogConfig
		wantErr bool
	}{
		{name: "text", cfg: config.LogConfig{Level: "debug", Format: "text"}},
		{name: "json", cfg: config.LogConfig{Level: "warn", Format: "json"}},
		{name: "bad level", cfg: config.LogConfig{Level: "loud"}, wantErr: true},
		{name: "bad format", cfg: config.LogConfig{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Apply()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			level, _ := log.ParseLevel(tt.cfg.Level)
			assert.Equal(t, level, log.GetLevel())
		})
	}
}
