// ABOUTME: Tests for config loading, env expansion, durations, validation
// ABOUTME: Writes temp YAML files and loads them

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
server:
  http_addr: ":8080"
  allowed_origins:
    - "https://support.example.com"
database:
  path: "/var/lib/harbor/support.db"
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  token_ttl: "15m"
socket:
  ping_interval: "30s"
  pong_timeout: "60s"
  typing_ttl: "5s"
notifications:
  refresh_interval: "30s"
rate_limit:
  messages_per_second: 5
  message_burst: 10
logging:
  level: "debug"
  format: "json"
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"https://support.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "/var/lib/harbor/support.db", cfg.Database.Path)
	assert.Equal(t, 15*time.Minute, cfg.Auth.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.Socket.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.Socket.PongTimeout)
	assert.Equal(t, 5*time.Second, cfg.Socket.TypingTTL)
	assert.Equal(t, 30*time.Second, cfg.Notifications.RefreshInterval)
	assert.Equal(t, 5.0, cfg.RateLimit.MessagesPerSecond)
	assert.Equal(t, 10, cfg.RateLimit.MessageBurst)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("HARBOR_TEST_SECRET", "s3cret-from-env-0123456789abcdef")
	t.Setenv("HARBOR_TEST_DB", "/tmp/env.db")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${HARBOR_TEST_DB}"
auth:
  jwt_secret: "${HARBOR_TEST_SECRET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "s3cret-from-env-0123456789abcdef", cfg.Auth.JWTSecret)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${HARBOR_DEFINITELY_UNSET_VAR}"
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path is required")
}

func TestLoad_BadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/tmp/x.db"
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
socket:
  ping_interval: "thirty seconds"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket.ping_interval")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/gateway.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{HTTPAddr: ":8080"},
			Database: DatabaseConfig{Path: "/tmp/x.db"},
			Auth:     AuthConfig{JWTSecret: "0123456789abcdef0123456789abcdef"},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("missing addr", func(t *testing.T) {
		c := base()
		c.Server.HTTPAddr = ""
		assert.ErrorContains(t, c.Validate(), "server.http_addr")
	})

	t.Run("short secret", func(t *testing.T) {
		c := base()
		c.Auth.JWTSecret = "short"
		assert.ErrorContains(t, c.Validate(), "at least 32")
	})

	t.Run("ping not shorter than pong", func(t *testing.T) {
		c := base()
		c.Socket.PingInterval = time.Minute
		c.Socket.PongTimeout = 30 * time.Second
		assert.ErrorContains(t, c.Validate(), "ping_interval")
	})

	t.Run("negative rate", func(t *testing.T) {
		c := base()
		c.RateLimit.MessagesPerSecond = -1
		assert.ErrorContains(t, c.Validate(), "messages_per_second")
	})
}
