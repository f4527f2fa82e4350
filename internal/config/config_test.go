package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jxucoder/livelabs/internal/config"
)

// clearConfigEnv unsets the variables Load reads and points HOME at a temp
// dir so a developer's ~/.livelabs/config.env can't leak into tests.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LIVELABS_ADDR",
		"LIVELABS_DATA_DIR",
		"LIVELABS_TRACKS_DIR",
		"LIVELABS_DOCKER_IMAGE",
		"LIVELABS_DOCKER_NETWORK",
		"LIVELABS_POLL_INTERVAL",
		"LIVELABS_MAX_RESTARTS",
		"LIVELABS_SCRIPT_TIMEOUT",
		"SLACK_BOT_TOKEN",
		"SLACK_CHANNEL",
		"TELEGRAM_BOT_TOKEN",
		"TELEGRAM_CHAT_ID",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("HOME", t.TempDir())
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("LIVELABS_DATA_DIR", tmpDir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerAddr != ":7080" {
		t.Errorf("ServerAddr = %q, want %q", cfg.ServerAddr, ":7080")
	}
	wantDB := filepath.Join(tmpDir, "livelabs.db")
	if cfg.DatabasePath != wantDB {
		t.Errorf("DatabasePath = %q, want %q", cfg.DatabasePath, wantDB)
	}
	if cfg.ScriptTimeout != 5*time.Minute {
		t.Errorf("ScriptTimeout = %v, want 5m", cfg.ScriptTimeout)
	}
	if cfg.InitTimeout != 5*time.Minute {
		t.Errorf("InitTimeout = %v, want 5m", cfg.InitTimeout)
	}
	if cfg.HealthTimeout != 30*time.Second {
		t.Errorf("HealthTimeout = %v, want 30s", cfg.HealthTimeout)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.MaxRestarts != 3 {
		t.Errorf("MaxRestarts = %d, want 3", cfg.MaxRestarts)
	}
	if cfg.SlackEnabled() || cfg.TelegramEnabled() {
		t.Error("notifications should be disabled by default")
	}
}

func TestLoad_CustomEnvVars(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("LIVELABS_DATA_DIR", t.TempDir())
	t.Setenv("LIVELABS_ADDR", ":9999")
	t.Setenv("LIVELABS_MAX_RESTARTS", "5")
	t.Setenv("LIVELABS_SCRIPT_TIMEOUT", "90s")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-1")
	t.Setenv("SLACK_CHANNEL", "#labs")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.ServerAddr != ":9999" {
		t.Errorf("ServerAddr = %q, want %q", cfg.ServerAddr, ":9999")
	}
	if cfg.MaxRestarts != 5 {
		t.Errorf("MaxRestarts = %d, want 5", cfg.MaxRestarts)
	}
	if cfg.ScriptTimeout != 90*time.Second {
		t.Errorf("ScriptTimeout = %v, want 90s", cfg.ScriptTimeout)
	}
	if !cfg.SlackEnabled() {
		t.Error("SlackEnabled() = false, want true")
	}
}

func TestLoad_ClampsPollInterval(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"500ms":  2 * time.Second,
		"10s":    3 * time.Second,
		"2500ms": 2500 * time.Millisecond,
	} {
		clearConfigEnv(t)
		t.Setenv("LIVELABS_DATA_DIR", t.TempDir())
		t.Setenv("LIVELABS_POLL_INTERVAL", in)

		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("Load(%s): %v", in, err)
		}
		if cfg.PollInterval != want {
			t.Errorf("PollInterval(%s) = %v, want %v", in, cfg.PollInterval, want)
		}
	}
}

func TestLoad_ConfigFileDoesNotOverrideEnv(t *testing.T) {
	clearConfigEnv(t)
	dataDir := config.DefaultDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "# comment\nLIVELABS_DOCKER_IMAGE=from-file\nLIVELABS_DOCKER_NETWORK=file-net\n"
	if err := os.WriteFile(config.FilePath(), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LIVELABS_DOCKER_NETWORK", "env-net")
	t.Cleanup(func() { os.Unsetenv("LIVELABS_DOCKER_IMAGE") })

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.DockerImage != "from-file" {
		t.Errorf("DockerImage = %q, want %q", cfg.DockerImage, "from-file")
	}
	if cfg.DockerNetwork != "env-net" {
		t.Errorf("DockerNetwork = %q, want %q", cfg.DockerNetwork, "env-net")
	}
}

func TestLoad_CreatesDataDir(t *testing.T) {
	clearConfigEnv(t)
	dir := filepath.Join(t.TempDir(), "nested", "data")
	t.Setenv("LIVELABS_DATA_DIR", dir)

	if _, err := config.Load(); err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("data dir %q was not created", dir)
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func validConfig() *config.Config {
	return &config.Config{
		ScriptTimeout:     time.Minute,
		InitTimeout:       time.Minute,
		HealthTimeout:     time.Second,
		MaxPollDuration:   time.Minute,
		ShellPingInterval: time.Second,
		ShellPongWait:     3 * time.Second,
		MaxRestarts:       3,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"zero script timeout":   func(c *config.Config) { c.ScriptTimeout = 0 },
		"pong wait below ping":  func(c *config.Config) { c.ShellPongWait = c.ShellPingInterval },
		"negative restarts":     func(c *config.Config) { c.MaxRestarts = -1 },
		"reaper without period": func(c *config.Config) { c.IdleTimeout = time.Minute },
		"slack without channel": func(c *config.Config) { c.SlackBotToken = "xoxb" },
		"telegram without chat": func(c *config.Config) { c.TelegramBotToken = "123:abc" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	c := validConfig()
	c.ScriptTimeout = 5 * time.Minute
	c.InitTimeout = 10 * time.Minute
	if got, want := c.RequestTimeout(), 11*time.Minute; got != want {
		t.Fatalf("RequestTimeout() = %v, want %v", got, want)
	}

	c.ScriptTimeout = 20 * time.Minute
	if got := c.RequestTimeout(); got <= c.ScriptTimeout {
		t.Fatalf("RequestTimeout() = %v, want more than %v", got, c.ScriptTimeout)
	}
}
