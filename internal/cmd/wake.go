package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/acme/call-dispatcher/internal/app"
	"github.com/acme/call-dispatcher/internal/queue"
)

var wakeCmd = &cobra.Command{
	Use:   "wake",
	Short: "Ask running dispatchers to tick now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
			msg := queue.WakeMessage{Reason: queue.WakeReasonManual, RequestedAt: time.Now().UTC()}
			if err := c.Publishers().Wake.Wake(ctx, msg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wake sent")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(wakeCmd)
}
