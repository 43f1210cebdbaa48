package workflow

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// Starter is the part of client.Client that starts workflows.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Dispatcher starts processing workflows for staged runs.
type Dispatcher struct {
	client    Starter
	taskQueue string
	log       *zap.Logger
}

// NewDispatcher creates a Dispatcher on taskQueue.
func NewDispatcher(c Starter, taskQueue string) *Dispatcher {
	return &Dispatcher{
		client:    c,
		taskQueue: taskQueue,
		log:       zap.L().With(zap.String("component", "workflow")),
	}
}

// Dispatch starts the processing workflow of runID. It reports false when a
// workflow for the run already exists, running or closed.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string) (bool, error) {
	opts := client.StartWorkflowOptions{
		ID:                                       WorkflowID(runID),
		TaskQueue:                                d.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	we, err := d.client.ExecuteWorkflow(ctx, opts, WorkflowProcessRun, ProcessInput{RunID: runID})
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			d.log.Info("workflow: run already dispatched", zap.String("run_id", runID))
			return false, nil
		}
		return false, eris.Wrapf(err, "workflow: dispatch run %s", runID)
	}
	d.log.Info("workflow: run dispatched",
		zap.String("run_id", runID),
		zap.String("workflow_id", we.GetID()),
		zap.String("execution_id", we.GetRunID()),
	)
	return true, nil
}
