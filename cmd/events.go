package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/reconcile"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Review reconciliation events",
	Long:  "Commands for listing events by match status and applying reviewer decisions.",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		status, _ := cmd.Flags().GetString("status")
		eventType, _ := cmd.Flags().GetString("event-type")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		f := reconcile.EventFilter{EventType: eventType, Limit: limit, Offset: offset}
		if status != "" {
			st, ok := model.ParseMatchStatus(strings.ToUpper(status))
			if !ok {
				return eris.Errorf("events list: unknown status %q", status)
			}
			f.Status = st
		}

		e, err := initEnv(ctx, "review")
		if err != nil {
			return err
		}
		defer e.Close()

		list, err := e.Reconcile.Events(ctx, f)
		if err != nil {
			return eris.Wrap(err, "events list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No events found.")
			return nil
		}
		formatEventsList(os.Stdout, list)
		return nil
	},
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show an event and its match history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := initEnv(ctx, "review")
		if err != nil {
			return err
		}
		defer e.Close()

		ev, err := e.Reconcile.Event(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "events show")
		}
		history, err := e.Reconcile.History(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "events show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Event   *model.Event            `json:"event"`
			History []model.MatchTransition `json:"history"`
		}{ev, history})
	},
}

// reviewOp is a method expression over reconcile.Service.
type reviewOp func(*reconcile.Service, context.Context, string, reconcile.Review) (*model.Event, error)

// reviewCmd builds a transition subcommand around one service operation.
func reviewCmd(use, short string, op reviewOp) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <event-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reviewer, _ := cmd.Flags().GetString("reviewer")
			reason, _ := cmd.Flags().GetString("reason")
			person, _ := cmd.Flags().GetString("person")
			version, _ := cmd.Flags().GetInt64("version")
			if strings.TrimSpace(reviewer) == "" {
				return eris.Errorf("events %s: --reviewer is required", use)
			}

			e, err := initEnv(ctx, "review")
			if err != nil {
				return err
			}
			defer e.Close()

			ev, err := op(e.Reconcile, ctx, args[0], reconcile.Review{
				Version:  version,
				Reviewer: reviewer,
				Reason:   reason,
				PersonID: person,
			})
			if err != nil {
				return eris.Wrapf(err, "events %s", use)
			}
			fmt.Fprintf(os.Stdout, "%s -> %s (version %d)\n", ev.ID, ev.Status, ev.Version)
			return nil
		},
	}
	c.Flags().String("reviewer", os.Getenv("USER"), "name recorded as the reviewer")
	c.Flags().String("reason", "", "reason for the decision")
	c.Flags().String("person", "", "subscriber id")
	c.Flags().Int64("version", 0, "event version the decision is based on (0 = current)")
	return c
}

func init() {
	eventsListCmd.Flags().String("status", "", "filter by match status (NEW, AUTO_MATCH, NEEDS_REVIEW, ...)")
	eventsListCmd.Flags().String("event-type", "", "filter by event type")
	eventsListCmd.Flags().Int("limit", 50, "max number of events to display")
	eventsListCmd.Flags().Int("offset", 0, "number of events to skip")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsShowCmd)
	eventsCmd.AddCommand(reviewCmd("confirm", "Accept the proposed or a candidate person", (*reconcile.Service).Confirm))
	eventsCmd.AddCommand(reviewCmd("override", "Assign a person chosen by the reviewer", (*reconcile.Service).Override))
	eventsCmd.AddCommand(reviewCmd("out-of-scope", "Close an event as not needing a subscriber", (*reconcile.Service).MarkOutOfScope))
	eventsCmd.AddCommand(reviewCmd("reopen", "Send a closed event back to review", (*reconcile.Service).Reopen))
	rootCmd.AddCommand(eventsCmd)
}

// formatEventsList writes a tabular list of events to w.
func formatEventsList(out io.Writer, list []model.Event) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRECORD\tTYPE\tDATE\tSTATUS\tPERSON\tVERSION")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t----\t------\t------\t-------")
	for _, e := range list {
		person := e.PersonIDFinal
		if person == "" {
			person = e.PersonID
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			e.ID,
			e.Source.RecordID,
			e.EventType,
			e.EventDate,
			e.Status,
			person,
			e.Version,
		)
	}
	_ = w.Flush()
}
