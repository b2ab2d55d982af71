package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initServer string

func init() {
	initCmd.Flags().StringVar(&initServer, "server", "", "Server URL (defaults to the account's hosted server)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <account>",
	Short: "Store the support account in ~/.livechat/config.toml",
	Long:  "Initialize the livechat CLI by storing your support account name in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Account = args[0]
		if initServer != "" {
			cfg.Default.Server = initServer
		}
		if cfg.Default.DeviceID == "" {
			cfg.Default.DeviceID = newDeviceID()
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Account saved to %s\n", path)
		return nil
	},
}
