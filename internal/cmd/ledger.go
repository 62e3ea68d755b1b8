package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/acme/call-dispatcher/internal/app"
	"github.com/acme/call-dispatcher/internal/scheduler"
	"github.com/acme/call-dispatcher/internal/service/concurrency"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or repair the active-call ledger",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print per-user and system active call counts",
	Args:  cobra.NoArgs,
	RunE:  runLedgerShow,
}

var ledgerReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reset the ledger from the queue's processing items",
	Long: `Recount processing queue items per user and overwrite the ledger with the
result. A running dispatcher does the same on its reconcile interval; use this
after a crash left the counters out of step.`,
	Args: cobra.NoArgs,
	RunE: runLedgerReconcile,
}

func init() {
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerReconcileCmd)
	rootCmd.AddCommand(ledgerCmd)
}

type ledgerView struct {
	System int            `json:"system"`
	Users  map[string]int `json:"users"`
}

func toLedgerView(snap concurrency.Snapshot) ledgerView {
	view := ledgerView{System: snap.System, Users: make(map[string]int, len(snap.Users))}
	for id, n := range snap.Users {
		view.Users[id.String()] = n
	}
	return view
}

func runLedgerShow(cmd *cobra.Command, _ []string) error {
	return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
		snap, err := c.Ledger().Snapshot(ctx)
		if err != nil {
			return err
		}
		return writeLedger(cmd.OutOrStdout(), toLedgerView(snap))
	})
}

func runLedgerReconcile(cmd *cobra.Command, _ []string) error {
	return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
		sched, err := scheduler.New(c)
		if err != nil {
			return err
		}
		if err := sched.Reconcile(ctx); err != nil {
			return err
		}
		snap, err := c.Ledger().Snapshot(ctx)
		if err != nil {
			return err
		}
		return writeLedger(cmd.OutOrStdout(), toLedgerView(snap))
	})
}

func writeLedger(out io.Writer, view ledgerView) error {
	if jsonOutput {
		return printJSON(out, view)
	}
	fmt.Fprintf(out, "system: %d active\n", view.System)
	if len(view.Users) == 0 {
		return nil
	}
	users := make([]string, 0, len(view.Users))
	for id := range view.Users {
		users = append(users, id)
	}
	sort.Strings(users)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tACTIVE")
	for _, id := range users {
		fmt.Fprintf(tw, "%s\t%d\n", id, view.Users[id])
	}
	return tw.Flush()
}
