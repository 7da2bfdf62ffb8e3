package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var eventsFilter struct {
	Identity string
	Session  string
	Verdict  string
	Since    time.Duration
	Limit    int
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent verification events from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}
		f := store.EventFilter{
			Identity:  eventsFilter.Identity,
			SessionID: eventsFilter.Session,
			Limit:     eventsFilter.Limit,
		}
		switch eventsFilter.Verdict {
		case "":
		case "match", "MATCH":
			f.Verdict = types.VerdictMatch
		case "reject", "REJECT":
			f.Verdict = types.VerdictReject
		default:
			return fmt.Errorf("invalid verdict %q (want match or reject)", eventsFilter.Verdict)
		}
		if eventsFilter.Since > 0 {
			f.Since = time.Now().Add(-eventsFilter.Since)
		}
		return runEvents(cmd.Context(), f)
	},
}

func init() {
	eventsCmd.Flags().StringVarP(&eventsFilter.Identity, "identity", "i", "", "Only events for this identity")
	eventsCmd.Flags().StringVarP(&eventsFilter.Session, "session", "s", "", "Only events of this session ID")
	eventsCmd.Flags().StringVar(&eventsFilter.Verdict, "verdict", "", "Only MATCH or REJECT events")
	eventsCmd.Flags().DurationVar(&eventsFilter.Since, "since", 0, "Only events newer than this (e.g. 24h)")
	eventsCmd.Flags().IntVarP(&eventsFilter.Limit, "limit", "n", 50, "Maximum number of events")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(ctx context.Context, f store.EventFilter) error {
	events, err := DB.ListEvents(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No verification events found in database.")
		return nil
	}
	printEvents(os.Stdout, events, time.Now())
	return nil
}

func printEvents(out io.Writer, events []types.Event, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tVERDICT\tIDENTITY\tDISTANCE\tSESSION\tSNAPSHOT")
	fmt.Fprintln(w, "--\t----\t-------\t--------\t--------\t-------\t--------")

	for _, ev := range events {
		session := ev.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
		snapshot := ev.SnapshotPath
		if snapshot == "" {
			snapshot = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.3f\t%s\t%s\n",
			ev.ID,
			humanize.RelTime(ev.At, now, "ago", "from now"),
			ev.Verdict,
			ev.Identity,
			ev.Distance,
			session,
			snapshot)
	}
	w.Flush()
}
