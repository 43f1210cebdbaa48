package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/catalog-sync/internal/model"
)

// Registered names.
const (
	WorkflowProcessRun = "catalog_process_run"
	ActivityProcessRun = "catalog_process_run_activity"
)

// errTypeNotStaged marks activity failures that no retry can fix.
const errTypeNotStaged = "NotStaged"

// WorkflowID is the Temporal id of a run's processing workflow. One id per
// run keeps a second dispatch of the same run from processing it twice.
func WorkflowID(runID string) string {
	return "catalog-run-" + runID
}

// ProcessInput names the run to process.
type ProcessInput struct {
	RunID string `json:"run_id"`
}

// RunSummary is the ledger view of a run once processing returned.
type RunSummary struct {
	RunID     string           `json:"run_id"`
	Vendor    string           `json:"vendor"`
	Status    model.RunStatus  `json:"status"`
	Metrics   model.RunMetrics `json:"metrics"`
	Error     string           `json:"error,omitempty"`
	ErrorStep string           `json:"error_step,omitempty"`
}

func summarize(run *model.Run) RunSummary {
	return RunSummary{
		RunID:     run.ID,
		Vendor:    run.Vendor,
		Status:    run.Status,
		Metrics:   run.Metrics,
		Error:     run.Error,
		ErrorStep: run.ErrorStep,
	}
}

// ProcessRunWorkflow processes a staged run. Transient store failures are
// retried by Temporal with backoff; Process resumes from wherever the
// ledger stands, so a retry never repeats finished steps. A run that ends
// failed is a result, not a workflow error.
func ProcessRunWorkflow(ctx workflow.Context, in ProcessInput) (RunSummary, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        5 * time.Minute,
			MaximumAttempts:        10,
			NonRetryableErrorTypes: []string{errTypeNotStaged},
		},
	})

	var out RunSummary
	if err := workflow.ExecuteActivity(ctx, ActivityProcessRun, in).Get(ctx, &out); err != nil {
		return out, err
	}
	workflow.GetLogger(ctx).Info("run processed",
		"run_id", out.RunID,
		"status", string(out.Status),
		"inserted", out.Metrics.Inserted,
		"updated", out.Metrics.Updated,
	)
	return out, nil
}
