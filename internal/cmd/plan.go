package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/acme/call-dispatcher/internal/app"
	"github.com/acme/call-dispatcher/internal/scheduler"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what the next tick would dispatch",
	Long: `Run the scan and allocation steps of a dispatcher tick without claiming
anything. Shows the campaigns whose calling window is open, per-user demand and
the grants the allocator would hand out.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, _ []string) error {
	return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
		sched, err := scheduler.New(c)
		if err != nil {
			return err
		}
		report, err := sched.Plan(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), report)
		}
		return writePlan(cmd.OutOrStdout(), report)
	})
}

func writePlan(out io.Writer, report scheduler.PlanReport) error {
	fmt.Fprintf(out, "at:             %s\n", report.At.Format(time.RFC3339))
	fmt.Fprintf(out, "system:         %d/%d active\n", report.SystemActive, report.SystemLimit)
	fmt.Fprintf(out, "open campaigns: %d\n", len(report.OpenCampaigns))
	if !report.NextWake.IsZero() {
		fmt.Fprintf(out, "next wake:      %s\n", report.NextWake.Format(time.RFC3339))
	}
	if len(report.Demand) == 0 {
		fmt.Fprintln(out, "\nnothing eligible")
		return nil
	}

	grants := make(map[string]int, len(report.Grants))
	for _, g := range report.Grants {
		grants[g.UserID.String()] = g.Slots
	}
	demand := append([]scheduler.UserDemand(nil), report.Demand...)
	sort.Slice(demand, func(i, j int) bool { return demand[i].UserID.String() < demand[j].UserID.String() })

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tACTIVE\tLIMIT\tQUEUED\tGRANT")
	for _, d := range demand {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", d.UserID, d.Active, d.Limit, d.QueueDepth, grants[d.UserID.String()])
	}
	return tw.Flush()
}
