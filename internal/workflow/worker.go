package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/resilience"
)

// Register adds the run workflow and its activity to r under their
// registered names.
func Register(r worker.Registry, acts *Activities) {
	r.RegisterWorkflowWithOptions(ProcessRunWorkflow, workflow.RegisterOptions{Name: WorkflowProcessRun})
	r.RegisterActivityWithOptions(acts.ProcessRun, activity.RegisterOptions{Name: ActivityProcessRun})
}

// RunWorker polls taskQueue until ctx is cancelled. Starting is retried
// while the namespace or frontend is not ready yet.
func RunWorker(ctx context.Context, c client.Client, taskQueue string, acts *Activities) error {
	log := zap.L().With(zap.String("component", "workflow"), zap.String("task_queue", taskQueue))

	retry := dialRetry
	retry.ShouldRetry = func(error) bool { return true }
	retry.OnRetry = resilience.LogRetry(log, "temporal worker start")

	w, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (worker.Worker, error) {
		w := worker.New(c, taskQueue, worker.Options{})
		Register(w, acts)
		if err := w.Start(); err != nil {
			w.Stop()
			return nil, err
		}
		return w, nil
	})
	if err != nil {
		return eris.Wrapf(err, "workflow: start worker on %s", taskQueue)
	}
	log.Info("workflow: worker started")

	<-ctx.Done()
	w.Stop()
	log.Info("workflow: worker stopped")
	return nil
}
