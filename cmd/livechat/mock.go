package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/livechat/sdk/golang/internal/fakeserver"
)

var (
	mockAddr      string
	mockAutoReply string
)

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a local mock support server",
	Long:  "Serve the live chat protocol on a local port for demos.\nPoint the CLI at it with: livechat config set default.server http://localhost:8080",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fake := fakeserver.New(
			fakeserver.WithLogger(slog.Default()),
			fakeserver.WithAutoReply(mockAutoReply),
		)
		srv := &http.Server{
			Addr:              mockAddr,
			Handler:           fake.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			fmt.Printf("Mock server listening on %s\n", mockAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	},
}

func init() {
	mockCmd.Flags().StringVar(&mockAddr, "addr", ":8080", "Listen address")
	mockCmd.Flags().StringVar(&mockAutoReply, "auto-reply", "Thanks, an operator will be with you shortly.", "Operator answer to every visitor message (empty disables)")
	rootCmd.AddCommand(mockCmd)
}
