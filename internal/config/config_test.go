package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.MetricsPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 64, cfg.Intake.QueueCapacity)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 5, cfg.Fetch.NotFoundMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Fetch.NotFoundBaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Fetch.ThrottleBaseDelay)
	assert.Equal(t, 120*time.Second, cfg.Dedup.CooldownWindow)
	assert.Equal(t, "me", cfg.Graph.Mailbox)
	assert.Empty(t, cfg.Database.URL, "memory outcome store by default")
	assert.Empty(t, cfg.Redis.Addr, "memory dedup gate by default")
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9999"
worker:
  count: 8
dedup:
  cooldown_window: 45s
allowlist:
  senders:
    - customer@example.com
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, 45*time.Second, cfg.Dedup.CooldownWindow)
	assert.Equal(t, []string{"customer@example.com"}, cfg.AllowList.Senders)

	// Untouched keys keep their defaults.
	assert.Equal(t, 64, cfg.Intake.QueueCapacity)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("REPLYGATE_SERVER__PORT", "7070")
	t.Setenv("REPLYGATE_DEDUP__COOLDOWN_WINDOW", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Dedup.CooldownWindow)
}

func TestValidate(t *testing.T) {
	t.Run("bad log level", func(t *testing.T) {
		cfg := Default()
		cfg.Log.Level = "loud"
		assert.Error(t, cfg.Validate())
	})

	t.Run("subscriptions need a public url", func(t *testing.T) {
		cfg := Default()
		cfg.Subs.Enabled = true
		cfg.Webhook.PublicURL = ""
		assert.Error(t, cfg.Validate())

		cfg.Webhook.PublicURL = "https://replygate.example.com"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("fetch delays must be positive", func(t *testing.T) {
		cfg := Default()
		cfg.Fetch.NotFoundBaseDelay = 0
		assert.Error(t, cfg.Validate())
	})
}
