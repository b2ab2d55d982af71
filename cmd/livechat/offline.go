package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	livechat "github.com/LuminPulse-AI/livechat/sdk/golang"
)

var (
	// offline history
	offlineHistoryForced bool
	offlineHistoryJSON   bool

	// offline send
	offlineSendChat       string
	offlineSendSubject    string
	offlineSendDepartment string
)

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Offline appeal commands",
	Long:  "Manage appeals left for support while no operator is online: pull history, mark read, delete, and write.",
}

// withOffline opens the persisted appeal set, runs fn and closes it.
func withOffline(ctx context.Context, fn func(s *livechat.OfflineSession) error) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	s, err := e.openOffline(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printAppeal(c *livechat.Chat) {
	unread := ""
	if c.HasUnreadMessages {
		unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
	}
	id := valueOrDefault(c.ID, c.ClientSideID+" (pending)")
	updated := "-"
	if c.ModifiedAt > 0 {
		updated = time.UnixMicro(c.ModifiedAt).Format(time.RFC3339)
	}
	fmt.Printf("%-12s %-24s %-10s %s%s\n", id, valueOrDefault(c.Subject, "(no subject)"), c.State, updated, unread)
}

var offlineHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Pull appeal history and list appeals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withOffline(ctx, func(s *livechat.OfflineSession) error {
			changes, err := wait(ctx, s.GetHistory(offlineHistoryForced))
			if err != nil {
				return err
			}
			appeals := s.Appeals()
			if offlineHistoryJSON {
				return printJSON(map[string]any{"changes": changes, "appeals": appeals})
			}
			fmt.Printf("%d new, %d modified, %d removed, %d new messages\n",
				len(changes.NewChats), len(changes.ModifiedChats), len(changes.RemovedChats), len(changes.NewMessages))
			fmt.Println()
			if len(appeals) == 0 {
				fmt.Println("No appeals.")
				return nil
			}
			for _, c := range appeals {
				printAppeal(c)
			}
			return nil
		})
	},
}

var offlineShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Print the messages of one appeal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOffline(cmd.Context(), func(s *livechat.OfflineSession) error {
			c := s.Appeal(args[0])
			if c == nil {
				return fmt.Errorf("no appeal %q", args[0])
			}
			printAppeal(c)
			for _, m := range c.Messages {
				printMessage(m)
			}
			return nil
		})
	},
}

var offlineReadCmd = &cobra.Command{
	Use:   "read <chat-id>",
	Short: "Mark an appeal as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withOffline(ctx, func(s *livechat.OfflineSession) error {
			if _, err := wait(ctx, s.MarkChatAsRead(args[0])); err != nil {
				return err
			}
			fmt.Println("Marked as read.")
			return nil
		})
	},
}

var offlineDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete an appeal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withOffline(ctx, func(s *livechat.OfflineSession) error {
			if _, err := wait(ctx, s.DeleteChat(args[0])); err != nil {
				return err
			}
			fmt.Println("Deleted.")
			return nil
		})
	},
}

var offlineSendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Write to an appeal, or open a new one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withOffline(ctx, func(s *livechat.OfflineSession) error {
			opts := &livechat.OfflineMessageOptions{
				DepartmentKey: offlineSendDepartment,
				Subject:       offlineSendSubject,
			}
			pending, err := s.SendMessage(args[0], offlineSendChat, opts)
			if err != nil {
				return err
			}
			if _, err := wait(ctx, pending.Future); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Printf("Sent %s\n", pending.ClientSideID)
			return nil
		})
	},
}

func init() {
	// offline history
	offlineHistoryCmd.Flags().BoolVar(&offlineHistoryForced, "forced", false, "Pull a full snapshot instead of changes")
	offlineHistoryCmd.Flags().BoolVar(&offlineHistoryJSON, "json", false, "Output raw JSON")

	// offline send
	offlineSendCmd.Flags().StringVar(&offlineSendChat, "chat", "", "Appeal to write to (opens a new appeal by default)")
	offlineSendCmd.Flags().StringVar(&offlineSendSubject, "subject", "", "Subject of a new appeal")
	offlineSendCmd.Flags().StringVar(&offlineSendDepartment, "department", "", "Department key")

	offlineCmd.AddCommand(offlineHistoryCmd, offlineShowCmd, offlineReadCmd, offlineDeleteCmd, offlineSendCmd)
	rootCmd.AddCommand(offlineCmd)
}
