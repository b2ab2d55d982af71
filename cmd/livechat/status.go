package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	livechat "github.com/LuminPulse-AI/livechat/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and the persisted visit session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Account:  %s\n", valueOrDefault(cfg.Default.Account, "(not set)"))
		fmt.Printf("  Server:   %s\n", valueOrDefault(cfg.Default.Server, "(hosted)"))
		fmt.Printf("  Location: %s\n", valueOrDefault(cfg.Default.Location, livechat.DefaultLocation))
		fmt.Printf("  Push:     %t\n", cfg.Session.Push)

		fmt.Println()
		fmt.Println("Visitor:")
		if v := visitorFromConfig(cfg); v != nil {
			fmt.Printf("  ID:    %s\n", valueOrDefault(v.ID, "(anonymous)"))
			fmt.Printf("  Name:  %s\n", valueOrDefault(v.Name, "-"))
			fmt.Printf("  Email: %s\n", valueOrDefault(v.Email, "-"))
		} else {
			fmt.Println("  (anonymous)")
		}

		if cfg.Default.Account == "" {
			return nil
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		data, err := livechat.LoadClientData(cmd.Context(), store, cfg.Default.Account, cfg.Visitor.ID)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Visit session:")
		if data == nil || data.VisitSessionID == "" {
			fmt.Println("  (none)")
			return nil
		}
		fmt.Printf("  ID:         %s\n", data.VisitSessionID)
		fmt.Printf("  Page:       %s\n", data.PageID)
		fmt.Printf("  Auth token: %s\n", maskKey(data.AuthToken))
		fmt.Printf("  Cursor:     %d\n", data.Cursor)
		fmt.Printf("  Updated:    %s\n", data.UpdatedAt.Format(time.RFC3339))
		return nil
	},
}
