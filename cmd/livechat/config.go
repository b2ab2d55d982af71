package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	livechat "github.com/LuminPulse-AI/livechat/sdk/golang"
)

var (
	configShowRaw  bool
	configShowJSON bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as written")
	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "Output settings as JSON")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change the CLI settings",
	Long: `Settings come from ~/.livechat/config.toml. LIVECHAT_* variables,
from the environment or a .env file, override the file for session settings.`,
}

// setting is one resolved value and where it came from.
type setting struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"` // file, env or default
}

// effectiveSettings resolves what a session would run with.
func effectiveSettings(cfg *Config) ([]setting, error) {
	merged, err := fileConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := livechat.ApplyEnv(&merged); err != nil {
		return nil, err
	}

	resolve := func(key, envName, value, fileValue, def string) setting {
		if _, ok := os.LookupEnv("LIVECHAT_" + envName); ok && envName != "" {
			return setting{Key: key, Value: value, Source: "env"}
		}
		if fileValue != "" {
			return setting{Key: key, Value: fileValue, Source: "file"}
		}
		return setting{Key: key, Value: def, Source: "default"}
	}

	server := cfg.Default.Server
	hosted := ""
	if merged.AccountName != "" {
		hosted = livechat.NewClient(merged.AccountName).BaseURL()
	}
	poll := ""
	if merged.PollInterval > 0 {
		poll = merged.PollInterval.String()
	}
	push := ""
	if cfg.Session.Push {
		push = "true"
	}
	store, err := storePath(cfg)
	if err != nil {
		return nil, err
	}

	return []setting{
		resolve("default.account", "ACCOUNT", merged.AccountName, cfg.Default.Account, ""),
		resolve("default.server", "", server, server, hosted),
		resolve("default.location", "LOCATION", merged.Location, cfg.Default.Location, livechat.DefaultLocation),
		resolve("default.device_id", "DEVICE_ID", merged.DeviceID, cfg.Default.DeviceID, ""),
		resolve("visitor.id", "", cfg.Visitor.ID, cfg.Visitor.ID, ""),
		resolve("visitor.name", "", cfg.Visitor.Name, cfg.Visitor.Name, ""),
		resolve("visitor.email", "", cfg.Visitor.Email, cfg.Visitor.Email, ""),
		resolve("visitor.phone", "", cfg.Visitor.Phone, cfg.Visitor.Phone, ""),
		resolve("session.poll_interval", "POLL_INTERVAL", poll, cfg.Session.PollInterval, livechat.DefaultPollInterval.String()),
		resolve("session.push", "PUSH", strconv.FormatBool(merged.Push), push, "false"),
		resolve("session.store_path", "", store, cfg.Session.StorePath, store),
	}, nil
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings and their source",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'livechat init <account>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		settings, err := effectiveSettings(cfg)
		if err != nil {
			return err
		}
		if configShowJSON {
			return printJSON(settings)
		}
		for _, s := range settings {
			fmt.Printf("%-22s %-40s (%s)\n", s.Key, valueOrDefault(s.Value, "-"), s.Source)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Validate and store a setting in the config file",
	Long: `Keys use section.field notation, for example:
  livechat config set visitor.name "Ada Lovelace"
  livechat config set session.poll_interval 5s
  livechat config set default.server http://localhost:8080`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "default.account" && os.Getenv("LIVECHAT_ACCOUNT") != "" {
			fmt.Println("Note: LIVECHAT_ACCOUNT is set and overrides this value.")
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}
