package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.livechat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Visitor ConfigVisitor `toml:"visitor"`
	Session ConfigSession `toml:"session"`
}

// ConfigDefault holds the account and server settings.
type ConfigDefault struct {
	Account  string `toml:"account"`
	Server   string `toml:"server"`
	Location string `toml:"location"`
	DeviceID string `toml:"device_id"`
}

// ConfigVisitor identifies the end user. An empty ID means anonymous.
type ConfigVisitor struct {
	ID    string `toml:"id"`
	Name  string `toml:"name"`
	Email string `toml:"email"`
	Phone string `toml:"phone"`
}

// ConfigSession tunes the sync engine.
type ConfigSession struct {
	PollInterval string `toml:"poll_interval"`
	Push         bool   `toml:"push"`
	StorePath    string `toml:"store_path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.livechat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".livechat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.account").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.account)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "account":
			cfg.Default.Account = value
		case "server":
			if err := checkServer(value); err != nil {
				return err
			}
			cfg.Default.Server = value
		case "location":
			cfg.Default.Location = value
		case "device_id":
			cfg.Default.DeviceID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "visitor":
		switch field {
		case "id":
			cfg.Visitor.ID = value
		case "name":
			cfg.Visitor.Name = value
		case "email":
			cfg.Visitor.Email = value
		case "phone":
			cfg.Visitor.Phone = value
		default:
			return fmt.Errorf("unknown field %q in section [visitor]", field)
		}
	case "session":
		switch field {
		case "poll_interval":
			if _, err := parsePollInterval(value); err != nil {
				return err
			}
			cfg.Session.PollInterval = value
		case "push":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("session.push must be true or false: %w", err)
			}
			cfg.Session.Push = b
		case "store_path":
			cfg.Session.StorePath = value
		default:
			return fmt.Errorf("unknown field %q in section [session]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, visitor, session)", section)
	}
	return nil
}

// checkServer accepts an absolute http(s) URL for default.server.
func checkServer(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("default.server must be an http(s) URL, got %q", value)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "livechat",
	Short: "Live support chat CLI",
	Long:  "Command-line client for live support chat.\nTalk to support in realtime, manage offline appeals, or run a local mock server.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env file is fine.
		_ = godotenv.Load()

		logger, err := newLogger(logLevel, logFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}

// newLogger builds the stderr logger selected by the global flags.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q (valid: text, json)", format)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
