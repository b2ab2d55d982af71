package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	livechat "github.com/LuminPulse-AI/livechat/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat send
	chatSendHint bool
	chatSendJSON bool

	// chat file
	chatFileMime string

	// chat rate
	chatRateOperator string
)

// ============================================================================
// Root chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Realtime chat commands",
	Long:  "Talk to support in realtime: send messages and files, watch the conversation, close and rate chats.",
}

// printer writes session events to stdout.
type printer struct {
	livechat.BaseDelegate
	mu sync.Mutex
}

func (p *printer) SessionStateChanged(prev, curr livechat.SessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("* session %s -> %s\n", prev, curr)
}

func (p *printer) ChatStateChanged(chat *livechat.Chat, prev, curr livechat.ChatState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("* chat %s -> %s\n", prev, curr)
}

func (p *printer) MessageReceived(chat *livechat.Chat, msg *livechat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	printMessage(msg)
}

func (p *printer) OperatorTypingChanged(chat *livechat.Chat, typing bool) {
	if !typing {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	name := "operator"
	if chat.Operator != nil {
		name = chat.Operator.Name
	}
	fmt.Printf("* %s is typing...\n", name)
}

func (p *printer) OnlineStatusChanged(prev, curr livechat.OnlineStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("* support is %s\n", curr)
}

func (p *printer) ErrorReceived(err *livechat.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

// withSession loads the environment, starts a session, runs fn and
// tears everything down.
func withSession(ctx context.Context, fn func(s *livechat.Session) error, extra ...livechat.SessionOption) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	s, err := e.startSession(ctx, extra...)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message to the current chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(s *livechat.Session) error {
			pending, err := s.SendMessage(args[0], &livechat.SendOptions{HintQuestion: chatSendHint})
			if err != nil {
				return err
			}
			msg, err := wait(ctx, pending.Future)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			if chatSendJSON {
				return printJSON(msg)
			}
			fmt.Printf("Sent %s\n", pending.ClientSideID)
			return nil
		})
	},
}

// ============================================================================
// chat file
// ============================================================================

var chatFileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Upload a file to the current chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}
		ctx := cmd.Context()
		return withSession(ctx, func(s *livechat.Session) error {
			pending, err := s.SendFile(data, filepath.Base(args[0]), chatFileMime, nil)
			if err != nil {
				return err
			}
			msg, err := wait(ctx, pending.Future)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			fmt.Printf("Uploaded %s\n", filepath.Base(args[0]))
			if msg != nil && msg.File != nil {
				if u, err := s.AttachmentURL(msg); err == nil {
					fmt.Printf("URL: %s\n", u)
				}
			}
			return nil
		})
	},
}

// ============================================================================
// chat listen
// ============================================================================

var chatListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print the conversation as it happens until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := &printer{}
		return withSession(ctx, func(s *livechat.Session) error {
			if c := s.CurrentChat(); c != nil {
				for _, m := range c.Messages {
					printMessage(m)
				}
			}
			fmt.Println("Listening. Press Ctrl+C to stop.")
			<-ctx.Done()
			return nil
		}, livechat.WithDelegate(p))
	},
}

// ============================================================================
// chat start / close / rate
// ============================================================================

var chatStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a chat with support",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(s *livechat.Session) error {
			if _, err := wait(ctx, s.StartChat()); err != nil {
				return err
			}
			fmt.Println("Chat started.")
			return nil
		})
	},
}

var chatCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the current chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(s *livechat.Session) error {
			if _, err := wait(ctx, s.CloseChat()); err != nil {
				return err
			}
			fmt.Println("Chat closed.")
			return nil
		})
	},
}

var chatRateCmd = &cobra.Command{
	Use:   "rate <stars>",
	Short: "Rate the operator from 1 to 5 stars",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stars, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("stars must be a number: %w", err)
		}
		ctx := cmd.Context()
		return withSession(ctx, func(s *livechat.Session) error {
			if _, err := wait(ctx, s.RateOperator(chatRateOperator, stars)); err != nil {
				return err
			}
			fmt.Printf("Rated %d stars.\n", stars)
			return nil
		})
	},
}

// ============================================================================
// chat typing / push-token
// ============================================================================

var chatTypingCmd = &cobra.Command{
	Use:   "typing [draft]",
	Short: "Report a message draft; no argument clears it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		draft := ""
		if len(args) == 1 {
			draft = args[0]
		}
		ctx := cmd.Context()
		return withSession(ctx, func(s *livechat.Session) error {
			_, err := wait(ctx, s.SetVisitorTyping(draft))
			return err
		})
	},
}

var chatPushTokenCmd = &cobra.Command{
	Use:   "push-token <token>",
	Short: "Register a device push token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(s *livechat.Session) error {
			if _, err := wait(ctx, s.SetDeviceTokenString(args[0])); err != nil {
				return err
			}
			fmt.Println("Push token registered.")
			return nil
		})
	},
}

func init() {
	// chat send
	chatSendCmd.Flags().BoolVar(&chatSendHint, "hint", false, "Mark the message as a picked hint question")
	chatSendCmd.Flags().BoolVar(&chatSendJSON, "json", false, "Output the sent message as JSON")

	// chat file
	chatFileCmd.Flags().StringVar(&chatFileMime, "mime", "", "Content type (guessed from the extension by default)")

	// chat rate
	chatRateCmd.Flags().StringVar(&chatRateOperator, "operator", "", "Operator ID (defaults to the chat's operator)")

	chatCmd.AddCommand(chatSendCmd, chatFileCmd, chatListenCmd, chatStartCmd,
		chatCloseCmd, chatRateCmd, chatTypingCmd, chatPushTokenCmd)
	rootCmd.AddCommand(chatCmd)
}
