// ABOUTME: Configuration loading and parsing for harbor-support
// ABOUTME: YAML with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete harbor-support configuration.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	Auth          AuthConfig         `yaml:"auth"`
	Socket        SocketConfig       `yaml:"socket"`
	Notifications NotificationConfig `yaml:"notifications"`
	RateLimit     RateLimitConfig    `yaml:"rate_limit"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds listen address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// AllowedOrigins feeds the CORS layer; empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds token signing configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// SocketConfig holds WebSocket liveness configuration.
type SocketConfig struct {
	PingInterval time.Duration `yaml:"-"`
	PongTimeout  time.Duration `yaml:"-"`
	TypingTTL    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PingIntervalRaw string `yaml:"ping_interval"`
	PongTimeoutRaw  string `yaml:"pong_timeout"`
	TypingTTLRaw    string `yaml:"typing_ttl"`
}

// NotificationConfig tunes the unread reconciler.
type NotificationConfig struct {
	RefreshInterval    time.Duration `yaml:"-"`
	RefreshIntervalRaw string        `yaml:"refresh_interval"`
}

// RateLimitConfig caps per-connection message throughput.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a
// parsed Config. Environment variables in the format ${VAR_NAME} are
// expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present
// and valid. Returns the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Socket.PongTimeout > 0 && c.Socket.PingInterval >= c.Socket.PongTimeout {
		return fmt.Errorf("socket.ping_interval must be shorter than socket.pong_timeout")
	}
	if c.RateLimit.MessagesPerSecond < 0 {
		return fmt.Errorf("rate_limit.messages_per_second must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"socket.ping_interval", cfg.Socket.PingIntervalRaw, &cfg.Socket.PingInterval},
		{"socket.pong_timeout", cfg.Socket.PongTimeoutRaw, &cfg.Socket.PongTimeout},
		{"socket.typing_ttl", cfg.Socket.TypingTTLRaw, &cfg.Socket.TypingTTL},
		{"notifications.refresh_interval", cfg.Notifications.RefreshIntervalRaw, &cfg.Notifications.RefreshInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
