package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"camrelay/internal/ipc"
	"camrelay/internal/logging"
	"camrelay/internal/notifications"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification through the configured sinks",
		Long: "Send a test notification. The running daemon sends it when reachable; " +
			"otherwise the sinks are built from the local configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			client, err := ipc.Dial(ctx.socketPath())
			if err == nil {
				defer client.Close()
				resp, err := client.TestNotification()
				if err != nil {
					return fmt.Errorf("test notification: %w", err)
				}
				switch {
				case resp.Message != "":
					fmt.Fprintln(out, resp.Message)
				case resp.Sent:
					fmt.Fprintln(out, "Test notification sent")
				default:
					fmt.Fprintln(out, "Notification not sent")
				}
				return nil
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			svc := notifications.NewService(cfg, logging.NewNop())
			defer func() { _ = notifications.Close(svc) }()
			if err := svc.Publish(cmd.Context(), notifications.EventTest, notifications.Payload{"pid": os.Getpid(), "source": "cli"}); err != nil {
				return fmt.Errorf("test notification: %w", err)
			}
			fmt.Fprintln(out, "Test notification sent (daemon not running; used local configuration)")
			return nil
		},
	}
}
