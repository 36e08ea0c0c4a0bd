package jobrun

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	WorkflowName    = "job_run"
	ActivityExecute = "job_run_execute"
)

// Workflow drives one job run end to end. Every pipeline here is a single
// long-running activity; retries are handled below the workflow (the
// activity marks the row failed itself), so the retry policy caps at one
// attempt and the workflow simply mirrors the activity outcome.
func Workflow(ctx workflow.Context, jobID string) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	return workflow.ExecuteActivity(ctx, ActivityExecute, jobID).Get(ctx, nil)
}
