package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-sync/internal/pipeline"
	"github.com/sells-group/catalog-sync/internal/workflow"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <source>...",
	Short: "Ingest supplier price lists",
	Long: "Fetches each source (path, file://, http(s):// or ftp://), extracts it with the vendor's column mapping, " +
		"stages it and consolidates it. With pipeline.background=temporal, runs are handed to the worker once staged.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		vendor, _ := cmd.Flags().GetString("vendor")
		runID, _ := cmd.Flags().GetString("run-id")
		workers, _ := cmd.Flags().GetInt("workers")
		if runID != "" && len(args) > 1 {
			return eris.New("--run-id applies to a single source")
		}
		if workers <= 0 {
			workers = cfg.Pipeline.Workers
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs := make([]pipeline.IngestJob, len(args))
		for i, src := range args {
			id := runID
			if id == "" {
				id = uuid.NewString()
			}
			jobs[i] = pipeline.IngestJob{RunID: id, Vendor: vendor, Source: src}
		}

		var results []pipeline.IngestResult
		if cfg.Pipeline.Background == "temporal" {
			results, err = submitToTemporal(ctx, env, jobs, workers)
		} else {
			results, err = env.Ingester.IngestAll(ctx, jobs, workers)
		}
		if err != nil {
			return err
		}

		formatIngestResults(os.Stdout, results)
		for _, r := range results {
			if r.Err != nil {
				return eris.Errorf("%d of %d sources failed", countFailed(results), len(results))
			}
		}
		return nil
	},
}

// submitToTemporal stages every job and dispatches its processing workflow.
func submitToTemporal(ctx context.Context, env *appEnv, jobs []pipeline.IngestJob, workers int) ([]pipeline.IngestResult, error) {
	tc, err := workflow.Dial(ctx, cfg.Temporal)
	if err != nil {
		return nil, err
	}
	defer tc.Close()

	sub := pipeline.NewSubmitter(env.Ingester, workflow.NewDispatcher(tc, cfg.Temporal.TaskQueue))
	results := make([]pipeline.IngestResult, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, job := range jobs {
		g.Go(func() error {
			run, err := sub.Submit(gctx, job)
			results[i] = pipeline.IngestResult{Job: job, Run: run, Err: err}
			if err != nil {
				zap.L().Error("ingest: submit failed", zap.String("run_id", job.RunID), zap.Error(err))
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, eris.Wrap(err, "ingest cancelled")
	}
	return results, nil
}

func countFailed(results []pipeline.IngestResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// formatIngestResults writes one line per source to w.
func formatIngestResults(out io.Writer, results []pipeline.IngestResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSOURCE\tSTATUS\tSTAGED\tINSERTED\tUPDATED\tUNCHANGED\tDEFERRED\tERROR")
	for _, r := range results {
		status, errMsg := "-", ""
		var staged, inserted, updated, unchanged, deferred int
		if r.Run != nil {
			status = string(r.Run.Status)
			m := r.Run.Metrics
			staged, inserted, updated, unchanged, deferred = m.Staged, m.Inserted, m.Updated, m.Unchanged, m.Deferred
		}
		if r.Err != nil {
			errMsg = r.Err.Error()
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			truncateID(r.Job.RunID), r.Job.Source, status,
			staged, inserted, updated, unchanged, deferred, errMsg)
	}
	_ = w.Flush()
}

func init() {
	ingestCmd.Flags().String("vendor", "", "vendor the sources belong to (required)")
	ingestCmd.Flags().String("run-id", "", "run id for a single source (default: generated)")
	ingestCmd.Flags().Int("workers", 0, "sources ingested concurrently (default from config)")
	_ = ingestCmd.MarkFlagRequired("vendor")
	rootCmd.AddCommand(ingestCmd)
}
