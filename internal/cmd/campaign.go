package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/acme/call-dispatcher/internal/app"
	"github.com/acme/call-dispatcher/internal/domain"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Change the status of a campaign",
}

func init() {
	campaignCmd.AddCommand(
		campaignTransitionCmd("start", "Activate a draft campaign", func(ctx context.Context, c *app.Container, id uuid.UUID) (*domain.Campaign, error) {
			return c.Services().Campaign.Start(ctx, id)
		}),
		campaignTransitionCmd("pause", "Stop dispatching a campaign's queued calls", func(ctx context.Context, c *app.Container, id uuid.UUID) (*domain.Campaign, error) {
			return c.Services().Campaign.Pause(ctx, id)
		}),
		campaignTransitionCmd("resume", "Resume a paused campaign", func(ctx context.Context, c *app.Container, id uuid.UUID) (*domain.Campaign, error) {
			return c.Services().Campaign.Resume(ctx, id)
		}),
		campaignCancelCmd,
		campaignStatsCmd,
	)
	rootCmd.AddCommand(campaignCmd)
}

func campaignTransitionCmd(use, short string, op func(context.Context, *app.Container, uuid.UUID) (*domain.Campaign, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <campaign-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid campaign id %q: %w", args[0], err)
			}
			return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
				campaign, err := op(ctx, c, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "campaign %s is %s\n", campaign.ID, campaign.Status)
				return nil
			})
		},
	}
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign-id>",
	Short: "Cancel a campaign and every call still queued for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid campaign id %q: %w", args[0], err)
		}
		return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
			n, err := c.Services().Campaign.Cancel(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "campaign %s cancelled, %d queued calls dropped\n", id, n)
			return nil
		})
	},
}

var campaignStatsCmd = &cobra.Command{
	Use:   "stats <campaign-id>",
	Short: "Print campaign counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid campaign id %q: %w", args[0], err)
		}
		return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
			stats, err := c.Services().Campaign.Stats(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total:      %d\n", stats.TotalCalls)
			fmt.Fprintf(out, "completed:  %d (%d successful, %d failed)\n", stats.CompletedCalls, stats.SuccessfulCalls, stats.FailedCalls)
			fmt.Fprintf(out, "skipped:    %d\n", stats.SkippedCalls)
			fmt.Fprintf(out, "retries:    %d\n", stats.RetriesScheduled)
			return nil
		})
	},
}
