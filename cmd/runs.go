package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and maintain the run ledger",
	Long:  "Commands for listing runs, viewing their event history and running the reconciliation sweeps.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		vendor, _ := cmd.Flags().GetString("vendor")
		active, _ := cmd.Flags().GetBool("active")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			Status:      model.RunStatus(status),
			Vendor:      vendor,
			NonTerminal: active,
			Limit:       limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("unknown run status %q", status)
		}

		runs, err := env.Ledger.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the current state of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Ledger.Current(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs history --

var runsHistoryCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Show the ledger events of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		events, err := env.Ledger.History(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs history")
		}
		if len(events) == 0 {
			return eris.Errorf("run %s has no events", args[0])
		}

		formatRunEvents(os.Stdout, events)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		since, _ := cmd.Flags().GetDuration("since")
		vendor, _ := cmd.Flags().GetString("vendor")

		runs, err := env.Ledger.List(ctx, store.RunFilter{Vendor: vendor, Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		if since > 0 {
			runs = createdSince(runs, time.Now().Add(-since))
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

// -- runs reconcile --

var runsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Settle runs stuck in a non-terminal state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Sweeper.Reconcile(ctx)
		if err != nil {
			return eris.Wrap(err, "runs reconcile")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "Examined:\t%d\n", rep.Examined)
		_, _ = fmt.Fprintf(w, "Completed:\t%d\n", rep.Completed)
		_, _ = fmt.Fprintf(w, "Failed:\t%d\n", rep.Failed)
		_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", rep.Skipped)
		return w.Flush()
	},
}

// -- runs replay-deferred --

var runsReplayDeferredCmd = &cobra.Command{
	Use:   "replay-deferred",
	Short: "Apply deferred mutations that are due",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Sweeper.ReplayDeferred(ctx)
		if err != nil {
			return eris.Wrap(err, "runs replay-deferred")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "Due:\t%d\n", rep.Due)
		_, _ = fmt.Fprintf(w, "Applied:\t%d\n", rep.Applied)
		_, _ = fmt.Fprintf(w, "Dropped:\t%d\n", rep.Dropped)
		_, _ = fmt.Fprintf(w, "Rescheduled:\t%d\n", rep.Rescheduled)
		_, _ = fmt.Fprintf(w, "Parked:\t%d\n", rep.Parked)
		return w.Flush()
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (created, staged, harmonizing, consolidating, completed, failed)")
	runsListCmd.Flags().String("vendor", "", "filter by vendor")
	runsListCmd.Flags().Bool("active", false, "only runs that have not reached a terminal state")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")
	runsStatsCmd.Flags().String("vendor", "", "only runs of this vendor")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsHistoryCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsReconcileCmd)
	runsCmd.AddCommand(runsReplayDeferredCmd)
	rootCmd.AddCommand(runsCmd)
}

func createdSince(runs []model.Run, after time.Time) []model.Run {
	out := runs[:0]
	for _, r := range runs {
		if !r.CreatedAt.Before(after) {
			out = append(out, r)
		}
	}
	return out
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Completed  int
	Failed     int
	InFlight   int
	FailedAt   map[string]int
	Inserted   int
	Updated    int
	Unchanged  int
	Unknown    int
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	s := runStats{Total: len(runs), FailedAt: map[string]int{}}

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			s.Completed++
			if d := r.Duration(); d > 0 {
				totalDur += d
				durCount++
			}
		case model.RunStatusFailed:
			s.Failed++
			step := r.ErrorStep
			if step == "" {
				step = "unknown"
			}
			s.FailedAt[step]++
		default:
			s.InFlight++
		}
		s.Inserted += r.Metrics.Inserted
		s.Updated += r.Metrics.Updated
		s.Unchanged += r.Metrics.Unchanged
		s.Unknown += r.Metrics.Unknown
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVENDOR\tSTATUS\tSTEP\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t----\t-------\t--------")

	for _, r := range runs {
		dur := "-"
		if d := r.Duration(); d > 0 {
			dur = d.Round(time.Second).String()
		}

		vendor := r.Vendor
		if len(vendor) > 30 {
			vendor = vendor[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			vendor,
			r.Status,
			r.ErrorStep,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunEvents writes one line per ledger event.
func formatRunEvents(out io.Writer, events []model.RunEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tAT\tSTATUS\tMESSAGE\tERROR")
	for _, e := range events {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Seq, e.At.Format(time.RFC3339), e.Status, e.Message, e.Error)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)

	steps := make([]string, 0, len(s.FailedAt))
	for step := range s.FailedAt {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	for _, step := range steps {
		_, _ = fmt.Fprintf(w, "  at %s:\t%d\n", step, s.FailedAt[step])
	}

	_, _ = fmt.Fprintf(w, "In flight:\t%d\n", s.InFlight)
	_, _ = fmt.Fprintf(w, "Records inserted:\t%d\n", s.Inserted)
	_, _ = fmt.Fprintf(w, "Records updated:\t%d\n", s.Updated)
	_, _ = fmt.Fprintf(w, "Records unchanged:\t%d\n", s.Unchanged)
	_, _ = fmt.Fprintf(w, "Unknown entities:\t%d\n", s.Unknown)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
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
