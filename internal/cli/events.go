package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/revreg/pkg/revreg/eventstore"
	"github.com/randalmurphal/revreg/pkg/revreg/storage"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect saga event records",
}

var eventsPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List requested and in-progress saga steps",
	Long: `List saga steps that were requested but never answered. With --expired,
only steps whose expiry has passed are shown; these are the ones recovery
re-emits.`,
	Args: cobra.NoArgs,
	Run:  runEventsPending,
}

var eventsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List saga steps that gave up",
	Args:  cobra.NoArgs,
	Run:   runEventsFailed,
}

var eventsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old completed saga steps",
	Args:  cobra.NoArgs,
	Run:   runEventsCleanup,
}

var (
	pendingExpired bool
	cleanupMaxAge  int
)

func init() {
	eventsPendingCmd.Flags().BoolVar(&pendingExpired, "expired", false, "Only show steps past their expiry")
	eventsCleanupCmd.Flags().IntVar(&cleanupMaxAge, "max-age-hours", 24, "Remove completed steps older than this")

	eventsCmd.AddCommand(eventsPendingCmd)
	eventsCmd.AddCommand(eventsFailedCmd)
	eventsCmd.AddCommand(eventsCleanupCmd)
}

func runEventsPending(cmd *cobra.Command, _ []string) {
	c := initContext()
	defer c.Close()

	if err := listPending(cmd.Context(), os.Stdout, c.Profile.Store, pendingExpired, time.Now()); err != nil {
		exitError("failed to list pending events: %v", err)
	}
}

func runEventsFailed(cmd *cobra.Command, _ []string) {
	c := initContext()
	defer c.Close()

	if err := listFailed(cmd.Context(), os.Stdout, c.Profile.Store); err != nil {
		exitError("failed to list failed events: %v", err)
	}
}

func runEventsCleanup(cmd *cobra.Command, _ []string) {
	c := initContext()
	defer c.Close()

	n, err := eventstore.New(c.Profile.Store).CleanupCompletedEvents(cmd.Context(), cleanupMaxAge)
	if err != nil {
		exitError("failed to clean up events: %v", err)
	}
	fmt.Printf("Removed %d completed event(s)\n", n)
}

func listPending(ctx context.Context, w io.Writer, st storage.Store, onlyExpired bool, now time.Time) error {
	recs, err := eventstore.New(st).GetInProgressEvents(ctx, onlyExpired)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No pending events")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tCORRELATION\tSTATE\tRETRIES\tEXPIRES")
	for _, rec := range recs {
		expires := rec.ExpiryTimestamp.Sub(now).Round(time.Second).String()
		if rec.Expired(now) {
			expires = red.Sprint("expired")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			rec.EventType, rec.CorrelationID, paintState(string(rec.State)), rec.RetryCount, expires)
	}
	return tw.Flush()
}

func listFailed(ctx context.Context, w io.Writer, st storage.Store) error {
	recs, err := eventstore.New(st).GetFailedEvents(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No failed events")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tCORRELATION\tRETRIES\tUPDATED\tERROR")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			rec.EventType, rec.CorrelationID, rec.RetryCount,
			rec.UpdatedAt.Format(time.RFC3339), rec.ErrorMsg)
	}
	return tw.Flush()
}
