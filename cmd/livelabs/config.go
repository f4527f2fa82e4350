package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jxucoder/livelabs/internal/config"
)

// configKey describes a single configuration value.
type configKey struct {
	Key    string
	Desc   string
	Secret bool
}

// allConfigKeys lists the commonly configured values in display order.
var allConfigKeys = []configKey{
	{"LIVELABS_ADDR", "HTTP listen address", false},
	{"LIVELABS_DATA_DIR", "Data directory (SQLite database)", false},
	{"LIVELABS_TRACKS_DIR", "Track files imported at startup", false},
	{"LIVELABS_DOCKER_IMAGE", "Default sandbox image", false},
	{"LIVELABS_DOCKER_NETWORK", "Docker network for sandboxes and apps", false},
	{"LIVELABS_APP_HOST", "Host name learners use to reach app ports", false},
	{"LIVELABS_SCRIPT_TIMEOUT", "Setup/validation script timeout", false},
	{"LIVELABS_INIT_TIMEOUT", "Initialization script timeout", false},
	{"LIVELABS_HEALTH_TIMEOUT", "App container health check timeout", false},
	{"LIVELABS_MAX_RESTARTS", "Restarts allowed for a failed app container", false},
	{"LIVELABS_IDLE_TIMEOUT", "Stop sandboxes idle for this long (0 disables)", false},
	{"LIVELABS_LOG_LEVEL", "Log level (debug, info, warn, error)", false},
	{"LIVELABS_LOG_FORMAT", "Log format (text, json)", false},
	{"SLACK_BOT_TOKEN", "Slack bot token for notifications (xoxb-...)", true},
	{"SLACK_CHANNEL", "Slack channel for notifications", false},
	{"TELEGRAM_BOT_TOKEN", "Telegram bot token for notifications", true},
	{"TELEGRAM_CHAT_ID", "Telegram chat id for notifications", false},
}

// ---------------------------------------------------------------------------
// Cobra commands
// ---------------------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage LiveLabs configuration",
	Long: `Manage LiveLabs server configuration.

Configuration is stored in ~/.livelabs/config.env and can be overridden
by environment variables.

  livelabs config set KEY VALUE      Set a single config value
  livelabs config unset KEY          Remove a config value
  livelabs config show               Show current configuration
  livelabs config check              Validate configuration and Docker access
  livelabs config path               Print config file path`,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value. Example:
  livelabs config set LIVELABS_SCRIPT_TIMEOUT 2m`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset KEY",
	Short: "Remove a config value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileValues, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		delete(fileValues, args[0])
		if err := saveConfigFile(fileValues); err != nil {
			return err
		}
		fmt.Printf("Unset %s\n", args[0])
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printCheck("configuration", false)
			return err
		}
		printCheck("configuration", true)
		printCheck("database directory "+cfg.DataDir, true)
		printCheck("docker", checkDocker())
		printCheck("slack notifications", cfg.SlackEnabled())
		printCheck("telegram notifications", cfg.TelegramEnabled())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(configFilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// ---------------------------------------------------------------------------
// Config file helpers
// ---------------------------------------------------------------------------

// configFilePath returns ~/.livelabs/config.env.
func configFilePath() string {
	return config.FilePath()
}

// loadConfigFile reads key=value pairs from the config file.
func loadConfigFile() (map[string]string, error) {
	values := make(map[string]string)

	f, err := os.Open(configFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			values[k] = v
		}
	}
	return values, scanner.Err()
}

// saveConfigFile writes key=value pairs to the config file.
func saveConfigFile(values map[string]string) error {
	path := configFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# LiveLabs configuration")
	fmt.Fprintln(f, "# Managed by: livelabs config")
	fmt.Fprintln(f, "# Environment variables override these values.")
	fmt.Fprintln(f)

	// Known keys first, then any extras.
	written := make(map[string]bool)
	for _, ck := range allConfigKeys {
		if v, ok := values[ck.Key]; ok && v != "" {
			fmt.Fprintf(f, "%s=%s\n", ck.Key, v)
			written[ck.Key] = true
		}
	}
	var extras []string
	for k := range values {
		if !written[k] && values[k] != "" {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		fmt.Fprintf(f, "%s=%s\n", k, values[k])
	}
	return nil
}

// effectiveValue returns the current value for a key, preferring env vars over config file.
func effectiveValue(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

// maskSecret masks a secret string, showing only the first 4 and last 4 characters.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func isSecret(key string) bool {
	for _, ck := range allConfigKeys {
		if ck.Key == key {
			return ck.Secret
		}
	}
	return strings.HasSuffix(key, "_TOKEN") || strings.HasSuffix(key, "_SECRET")
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	fileValues[key] = value
	if err := saveConfigFile(fileValues); err != nil {
		return err
	}

	if isSecret(key) {
		fmt.Printf("Set %s = %s\n", key, maskSecret(value))
	} else {
		fmt.Printf("Set %s = %s\n", key, value)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fmt.Printf("Config file: %s\n\n", configFilePath())

	for _, ck := range allConfigKeys {
		value := effectiveValue(ck.Key, fileValues)
		source := ""
		if os.Getenv(ck.Key) != "" {
			source = " (from env)"
		} else if fileValues[ck.Key] != "" {
			source = " (from config file)"
		}

		display := "(default)"
		if value != "" {
			if ck.Secret {
				display = maskSecret(value)
			} else {
				display = value
			}
		}
		fmt.Printf("  %-25s %s%s\n", ck.Key, display, source)
	}
	return nil
}

// checkDocker reports whether the docker CLI can reach a daemon.
func checkDocker() bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	return exec.Command("docker", "info").Run() == nil
}

func printCheck(label string, ok bool) {
	mark := "\033[31m✗\033[0m"
	if ok {
		mark = "\033[32m✓\033[0m"
	}
	fmt.Printf("  %s %s\n", mark, label)
}
