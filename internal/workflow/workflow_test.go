package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/catalog-sync/internal/config"
	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/pipeline"
)

type fakeProcessor struct {
	run *model.Run
	err error
	ids []string
}

func (f *fakeProcessor) Process(_ context.Context, runID string) (*model.Run, error) {
	f.ids = append(f.ids, runID)
	return f.run, f.err
}

func newWorkflowEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(ProcessRunWorkflow, workflow.RegisterOptions{Name: WorkflowProcessRun})
	acts := &Activities{}
	env.RegisterActivityWithOptions(acts.ProcessRun, activity.RegisterOptions{Name: ActivityProcessRun})
	return env
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "catalog-run-r1", WorkflowID("r1"))
}

func TestProcessRunWorkflow_ReturnsSummary(t *testing.T) {
	env := newWorkflowEnv(t)
	want := RunSummary{RunID: "r1", Status: model.RunStatusCompleted, Metrics: model.RunMetrics{Inserted: 2}}
	env.OnActivity(ActivityProcessRun, mock.Anything, ProcessInput{RunID: "r1"}).Return(want, nil).Once()

	env.ExecuteWorkflow(WorkflowProcessRun, ProcessInput{RunID: "r1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var got RunSummary
	require.NoError(t, env.GetWorkflowResult(&got))
	assert.Equal(t, want, got)
	env.AssertExpectations(t)
}

func TestProcessRunWorkflow_RetriesTransientFailure(t *testing.T) {
	env := newWorkflowEnv(t)
	done := RunSummary{RunID: "r1", Status: model.RunStatusCompleted}
	env.OnActivity(ActivityProcessRun, mock.Anything, mock.Anything).Return(RunSummary{}, errors.New("store unreachable")).Once()
	env.OnActivity(ActivityProcessRun, mock.Anything, mock.Anything).Return(done, nil).Once()

	env.ExecuteWorkflow(WorkflowProcessRun, ProcessInput{RunID: "r1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var got RunSummary
	require.NoError(t, env.GetWorkflowResult(&got))
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	env.AssertExpectations(t)
}

func TestProcessRunWorkflow_NotStagedIsFinal(t *testing.T) {
	env := newWorkflowEnv(t)
	env.OnActivity(ActivityProcessRun, mock.Anything, mock.Anything).
		Return(RunSummary{}, temporal.NewNonRetryableApplicationError("not staged", errTypeNotStaged, nil)).Once()

	env.ExecuteWorkflow(WorkflowProcessRun, ProcessInput{RunID: "r1"})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}

func runActivity(t *testing.T, p Processor, in ProcessInput) (RunSummary, error) {
	t.Helper()
	var s testsuite.WorkflowTestSuite
	env := s.NewTestActivityEnvironment()
	acts := &Activities{Pipeline: p}
	env.RegisterActivityWithOptions(acts.ProcessRun, activity.RegisterOptions{Name: ActivityProcessRun})

	val, err := env.ExecuteActivity(ActivityProcessRun, in)
	if err != nil {
		return RunSummary{}, err
	}
	var out RunSummary
	require.NoError(t, val.Get(&out))
	return out, nil
}

func TestProcessRun_Completed(t *testing.T) {
	p := &fakeProcessor{run: &model.Run{ID: "r1", Vendor: "NORDIC", Status: model.RunStatusCompleted, Metrics: model.RunMetrics{Inserted: 3}}}

	out, err := runActivity(t, p, ProcessInput{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, p.ids)
	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, "NORDIC", out.Vendor)
	assert.Equal(t, 3, out.Metrics.Inserted)
}

func TestProcessRun_FailedRunIsAResult(t *testing.T) {
	p := &fakeProcessor{
		run: &model.Run{ID: "r1", Status: model.RunStatusFailed, Error: "boom", ErrorStep: pipeline.StepConsolidate},
		err: eris.New("pipeline: run r1 failed at consolidate"),
	}

	out, err := runActivity(t, p, ProcessInput{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, pipeline.StepConsolidate, out.ErrorStep)
}

func TestProcessRun_NotStagedIsNonRetryable(t *testing.T) {
	p := &fakeProcessor{err: eris.Wrap(pipeline.ErrNotStaged, "pipeline: run r1")}

	_, err := runActivity(t, p, ProcessInput{RunID: "r1"})
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.True(t, appErr.NonRetryable())
	assert.Equal(t, errTypeNotStaged, appErr.Type())
}

func TestProcessRun_TransientErrorPropagates(t *testing.T) {
	p := &fakeProcessor{
		run: &model.Run{ID: "r1", Status: model.RunStatusConsolidating},
		err: eris.New("pipeline: consolidate cancelled"),
	}

	_, err := runActivity(t, p, ProcessInput{RunID: "r1"})
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		assert.False(t, appErr.NonRetryable())
	}
}

func TestProcessRun_Unconfigured(t *testing.T) {
	var a *Activities
	_, err := a.ProcessRun(context.Background(), ProcessInput{RunID: "r1"})
	assert.Error(t, err)
}

type fakeStarter struct {
	opts []client.StartWorkflowOptions
	args []interface{}
	err  error
}

func (f *fakeStarter) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	f.opts = append(f.opts, opts)
	f.args = append(f.args, args...)
	if f.err != nil {
		return nil, f.err
	}
	return fakeRun{id: opts.ID}, nil
}

type fakeRun struct {
	client.WorkflowRun
	id string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return "exec-1" }

func TestDispatch_StartsOneWorkflowPerRun(t *testing.T) {
	s := &fakeStarter{}
	d := NewDispatcher(s, "catalog-sync")

	started, err := d.Dispatch(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, started)
	require.Len(t, s.opts, 1)
	assert.Equal(t, "catalog-run-r1", s.opts[0].ID)
	assert.Equal(t, "catalog-sync", s.opts[0].TaskQueue)
	assert.True(t, s.opts[0].WorkflowExecutionErrorWhenAlreadyStarted)
	assert.Equal(t, []interface{}{ProcessInput{RunID: "r1"}}, s.args)
}

func TestDispatch_AlreadyStarted(t *testing.T) {
	s := &fakeStarter{err: &serviceerror.WorkflowExecutionAlreadyStarted{Message: "already started"}}
	d := NewDispatcher(s, "catalog-sync")

	started, err := d.Dispatch(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, started)
}

func TestDispatch_Error(t *testing.T) {
	s := &fakeStarter{err: errors.New("unavailable")}
	d := NewDispatcher(s, "catalog-sync")

	_, err := d.Dispatch(context.Background(), "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch run r1")
}

func TestDial_RequiresHostPort(t *testing.T) {
	_, err := Dial(context.Background(), config.TemporalConfig{Namespace: "default"})
	assert.Error(t, err)
}
