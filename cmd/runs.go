package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/monitoring"
	"github.com/sells-group/kenshin-ledger/internal/runs"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect import and apply runs",
	Long:  "Commands for listing runs, viewing one run's counters, and reading its error log.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		list, err := runs.New(st).List(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, list)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := runs.New(st).Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs errors --

var runsErrorsCmd = &cobra.Command{
	Use:   "errors <run-id>",
	Short: "Show the error log of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		errs, err := runs.New(st).Errors(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "runs errors")
		}

		if len(errs) == 0 {
			fmt.Fprintln(os.Stderr, "No errors recorded.")
			return nil
		}

		formatRunErrors(os.Stdout, errs)
		return nil
	},
}

// -- runs check --

var runsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate run health against the alert thresholds",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "review")
		if err != nil {
			return err
		}
		defer e.Close()

		lookback, _ := cmd.Flags().GetInt("lookback")
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackWindowHours
		}
		snap, err := monitoring.NewCollector(e.Runs, e.Reconcile).Collect(ctx, lookback)
		if err != nil {
			return eris.Wrap(err, "runs check")
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)
		if send, _ := cmd.Flags().GetBool("send"); send {
			alerter.SendAlerts(ctx, alerts)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Snapshot *monitoring.MetricsSnapshot `json:"snapshot"`
			Alerts   []monitoring.Alert          `json:"alerts"`
		}{snap, alerts})
	},
}

func init() {
	runsCheckCmd.Flags().Int("lookback", 0, "lookback window in hours (default from config)")
	runsCheckCmd.Flags().Bool("send", false, "post triggered alerts to the configured webhook")
	runsCmd.AddCommand(runsCheckCmd)

	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsErrorsCmd.Flags().Int("limit", 200, "max number of errors to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsErrorsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, list []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPHASE\tSTATUS\tSEEN\tINSERTED\tERRORS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t----\t--------\t------\t-------\t--------")

	for _, r := range list {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.Phase,
			r.Status,
			r.Counters.Seen,
			r.Counters.Inserted,
			r.Counters.Errors,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunErrors writes a run's error log to w.
func formatRunErrors(out io.Writer, errs []model.RunError) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tCODE\tSOURCE\tFIELD\tMESSAGE")
	for _, e := range errs {
		src := e.Source
		if e.SourceRow != "" {
			src = e.SourceRow
		}
		msg := e.Message
		if len([]rune(msg)) > 80 {
			msg = string([]rune(msg)[:77]) + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Kind, e.Code, src, e.Field, msg)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
