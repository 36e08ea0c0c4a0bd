package jobrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/jobs/runtime"
	"github.com/learningequality/studio-backend/internal/observability"
	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/repos"
	"github.com/learningequality/studio-backend/internal/services"
	"github.com/learningequality/studio-backend/internal/types"
)

// Activities holds the worker-side dependencies for job execution.
type Activities struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Jobs     repos.JobRunRepo
	Registry *runtime.Registry
	Notify   services.JobNotifier
}

// Execute claims the job row, dispatches to the registered handler, and
// guarantees the row lands in a terminal state. Replays and duplicate
// deliveries are absorbed by the terminal-status check; a job canceled
// between claim and dispatch is dropped silently.
func (a *Activities) Execute(ctx context.Context, jobID string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return fmt.Errorf("jobrun: bad job id %q: %w", jobID, err)
	}

	job, err := a.Jobs.GetByID(ctx, nil, id)
	if err != nil {
		return fmt.Errorf("jobrun: load job %s: %w", id, err)
	}
	switch job.Status {
	case types.JobStatusSucceeded, types.JobStatusFailed, types.JobStatusCanceled:
		a.Log.Info("Skipping job already in terminal state", "job_id", id, "status", job.Status)
		return nil
	}

	now := time.Now()
	n, err := a.Jobs.UpdateFieldsUnlessStatus(ctx, nil, id, []string{types.JobStatusCanceled}, map[string]interface{}{
		"status":       types.JobStatusRunning,
		"attempts":     gorm.Expr("attempts + 1"),
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return fmt.Errorf("jobrun: claim job %s: %w", id, err)
	}
	if n == 0 {
		a.Log.Info("Job canceled before dispatch", "job_id", id)
		return nil
	}
	job.Status = types.JobStatusRunning
	job.Attempts++

	started := time.Now()
	defer func() {
		observability.Current().ObserveJob(job.JobType, job.Status, time.Since(started))
	}()

	stop := a.startHeartbeat(ctx, id)
	defer stop()

	rt := runtime.NewContext(ctx, a.DB, job, a.Jobs, a.Notify)

	handler, ok := a.Registry.Get(job.JobType)
	if !ok {
		err := fmt.Errorf("no handler registered for job type %q", job.JobType)
		rt.Fail("dispatch", err)
		return err
	}

	a.Log.Info("Dispatching job", "job_id", id, "job_type", job.JobType, "attempt", job.Attempts)
	if err := a.runHandler(handler, rt); err != nil {
		return err
	}

	// Handlers are supposed to call Succeed or Fail themselves; a nil
	// return with the row still running means the handler forgot.
	if job.Status == types.JobStatusRunning {
		rt.Succeed("done", nil)
	}
	return nil
}

func (a *Activities) runHandler(h runtime.Handler, rt *runtime.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
			a.Log.Error("Job handler panicked", "job_id", rt.Job.ID, "job_type", rt.Job.JobType, "panic", r)
			rt.Fail("panic", err)
		}
	}()
	return h.Run(rt)
}

// startHeartbeat keeps both Temporal and the job row aware the activity is
// alive. The returned stop func is safe to call once.
func (a *Activities) startHeartbeat(ctx context.Context, id uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
				if err := a.Jobs.Heartbeat(ctx, nil, id); err != nil {
					a.Log.Warn("Job heartbeat write failed", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
