// Package config provides configuration management for LiveLabs.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Poll interval bounds. Values outside are clamped.
const (
	MinPollInterval = 2 * time.Second
	MaxPollInterval = 3 * time.Second
)

// Config holds all configuration for the LiveLabs server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string `env:"LIVELABS_ADDR" envDefault:":7080"`

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string `env:"LIVELABS_DATA_DIR"`

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string `env:"-"`

	// TracksDir, when set, is imported into the store at startup.
	TracksDir string `env:"LIVELABS_TRACKS_DIR"`

	// DockerImage is the sandbox image for tracks that don't name one.
	DockerImage string `env:"LIVELABS_DOCKER_IMAGE" envDefault:"ubuntu:24.04"`

	// DockerNetwork is the Docker network for sandbox and app containers.
	DockerNetwork string `env:"LIVELABS_DOCKER_NETWORK" envDefault:"livelabs-net"`

	// AppHost is the host name learners use to reach published app ports.
	AppHost string `env:"LIVELABS_APP_HOST" envDefault:"localhost"`

	ScriptTimeout   time.Duration `env:"LIVELABS_SCRIPT_TIMEOUT" envDefault:"5m"`
	InitTimeout     time.Duration `env:"LIVELABS_INIT_TIMEOUT" envDefault:"5m"`
	HealthTimeout   time.Duration `env:"LIVELABS_HEALTH_TIMEOUT" envDefault:"30s"`
	PollInterval    time.Duration `env:"LIVELABS_POLL_INTERVAL" envDefault:"2s"`
	MaxPollDuration time.Duration `env:"LIVELABS_MAX_POLL_DURATION" envDefault:"10m"`

	// MaxRestarts bounds restarts of a failed app container.
	MaxRestarts int `env:"LIVELABS_MAX_RESTARTS" envDefault:"3"`

	// IdleTimeout is how long an enrollment's sandbox and app container stay
	// alive without learner activity. Zero disables the reaper.
	IdleTimeout  time.Duration `env:"LIVELABS_IDLE_TIMEOUT" envDefault:"30m"`
	ReapInterval time.Duration `env:"LIVELABS_REAP_INTERVAL" envDefault:"1m"`

	ShellPingInterval time.Duration `env:"LIVELABS_SHELL_PING_INTERVAL" envDefault:"20s"`
	ShellPongWait     time.Duration `env:"LIVELABS_SHELL_PONG_WAIT" envDefault:"60s"`

	LogLevel  string `env:"LIVELABS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LIVELABS_LOG_FORMAT" envDefault:"text"`

	// Slack notifications (optional).
	SlackBotToken string `env:"SLACK_BOT_TOKEN"`
	SlackChannel  string `env:"SLACK_CHANNEL"`

	// Telegram notifications (optional).
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64  `env:"TELEGRAM_CHAT_ID"`
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile(FilePath())

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "livelabs.db")
	cfg.PollInterval = ClampPollInterval(cfg.PollInterval)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile reads a KEY=VALUE file and sets any values that are not
// already present in the environment.
func loadConfigFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"LIVELABS_SCRIPT_TIMEOUT":      c.ScriptTimeout,
		"LIVELABS_INIT_TIMEOUT":        c.InitTimeout,
		"LIVELABS_HEALTH_TIMEOUT":      c.HealthTimeout,
		"LIVELABS_MAX_POLL_DURATION":   c.MaxPollDuration,
		"LIVELABS_SHELL_PING_INTERVAL": c.ShellPingInterval,
		"LIVELABS_SHELL_PONG_WAIT":     c.ShellPongWait,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ShellPongWait <= c.ShellPingInterval {
		return fmt.Errorf("LIVELABS_SHELL_PONG_WAIT must exceed LIVELABS_SHELL_PING_INTERVAL")
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("LIVELABS_MAX_RESTARTS must not be negative")
	}
	if c.IdleTimeout > 0 && c.ReapInterval <= 0 {
		return fmt.Errorf("LIVELABS_REAP_INTERVAL must be positive when the idle reaper is enabled")
	}
	if c.SlackBotToken != "" && c.SlackChannel == "" {
		return fmt.Errorf("SLACK_CHANNEL is required when SLACK_BOT_TOKEN is set")
	}
	if c.TelegramBotToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

// RequestTimeout bounds non-streaming API requests. It leaves room for the
// longest script or init run a request can wait on.
func (c *Config) RequestTimeout() time.Duration {
	return max(c.ScriptTimeout, c.InitTimeout) + time.Minute
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// TelegramEnabled returns true if Telegram notifications are configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// ClampPollInterval bounds d to [MinPollInterval, MaxPollInterval].
func ClampPollInterval(d time.Duration) time.Duration {
	if d < MinPollInterval {
		return MinPollInterval
	}
	if d > MaxPollInterval {
		return MaxPollInterval
	}
	return d
}

// DefaultDataDir returns ~/.livelabs, or .livelabs when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".livelabs"
	}
	return filepath.Join(home, ".livelabs")
}

// FilePath returns the path of the config file.
func FilePath() string {
	return filepath.Join(DefaultDataDir(), "config.env")
}
