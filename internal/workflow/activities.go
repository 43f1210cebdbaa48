package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/pipeline"
)

// Processor runs the asynchronous part of a run.
type Processor interface {
	Process(ctx context.Context, runID string) (*model.Run, error)
}

// Activities binds the pipeline to Temporal activities.
type Activities struct {
	Pipeline Processor
}

// ProcessRun processes one run. A run the pipeline marked failed is
// returned as a summary so Temporal does not retry it.
func (a *Activities) ProcessRun(ctx context.Context, in ProcessInput) (RunSummary, error) {
	if a == nil || a.Pipeline == nil {
		return RunSummary{}, eris.New("workflow: activities not configured")
	}
	log := zap.L().With(zap.String("component", "workflow"), zap.String("run_id", in.RunID))

	run, err := a.Pipeline.Process(ctx, in.RunID)
	switch {
	case err == nil:
		return summarize(run), nil
	case eris.Is(err, pipeline.ErrNotStaged):
		return RunSummary{RunID: in.RunID}, temporal.NewNonRetryableApplicationError(err.Error(), errTypeNotStaged, err)
	case run != nil && run.Status == model.RunStatusFailed:
		log.Warn("workflow: run failed", zap.String("step", run.ErrorStep), zap.Error(err))
		return summarize(run), nil
	default:
		log.Warn("workflow: process attempt failed", zap.Error(err))
		return RunSummary{RunID: in.RunID}, err
	}
}
