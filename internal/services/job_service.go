package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/repos"
	"github.com/learningequality/studio-backend/internal/types"
)

// JobService creates job_run rows and hands them to Temporal. Everything a
// handler needs travels in the JSON payload; callers read completion off the
// row or the SSE stream.
type JobService interface {
	Enqueue(ctx context.Context, ownerUserID uuid.UUID, jobType string, channelID *uuid.UUID, payload map[string]any) (*types.JobRun, error)
	GetForUser(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (*types.JobRun, error)
	CancelForUser(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (*types.JobRun, error)
}

type jobService struct {
	db     *gorm.DB
	log    *logger.Logger
	repo   repos.JobRunRepo
	notify JobNotifier

	temporal          temporalsdkclient.Client
	temporalTaskQueue string
}

func NewJobService(
	db *gorm.DB,
	baseLog *logger.Logger,
	repo repos.JobRunRepo,
	notify JobNotifier,
	tc temporalsdkclient.Client,
	taskQueue string,
) JobService {
	return &jobService{
		db:                db,
		log:               baseLog.With("service", "JobService"),
		repo:              repo,
		notify:            notify,
		temporal:          tc,
		temporalTaskQueue: strings.TrimSpace(taskQueue),
	}
}

func (s *jobService) Enqueue(ctx context.Context, ownerUserID uuid.UUID, jobType string, channelID *uuid.UUID, payload map[string]any) (*types.JobRun, error) {
	if ownerUserID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_user_id")
	}
	if jobType == "" {
		return nil, fmt.Errorf("missing job_type")
	}
	if s.temporal == nil {
		return nil, fmt.Errorf("temporal not configured (TEMPORAL_ADDRESS)")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	now := time.Now()
	job := &types.JobRun{
		ID:          uuid.New(),
		OwnerUserID: ownerUserID,
		JobType:     jobType,
		ChannelID:   channelID,
		Status:      types.JobStatusQueued,
		Stage:       "queued",
		Progress:    0,
		Attempts:    0,
		Payload:     datatypes.JSON(b),
		Result:      datatypes.JSON([]byte(`{}`)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.repo.Create(ctx, nil, []*types.JobRun{job}); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.notify.JobCreated(ownerUserID, job)

	if err := s.dispatch(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// dispatch starts the backing workflow. The job ID doubles as the workflow
// ID so re-dispatch of the same row is a no-op.
func (s *jobService) dispatch(ctx context.Context, job *types.JobRun) error {
	tq := s.temporalTaskQueue
	if tq == "" {
		tq = "studio"
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    job.ID.String(),
		TaskQueue:             tq,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 1.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	// Workflow name stays a literal: importing the jobrun package here would
	// cycle back through this package.
	_, err := s.temporal.ExecuteWorkflow(ctx, opts, "job_run", job.ID.String())
	if err == nil {
		return nil
	}
	if _, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted); ok {
		return nil
	}

	now := time.Now()
	_, _ = s.repo.UpdateFieldsUnlessStatus(ctx, nil, job.ID, []string{types.JobStatusCanceled}, map[string]interface{}{
		"status":     types.JobStatusFailed,
		"stage":      "dispatch",
		"error":      err.Error(),
		"updated_at": now,
	})
	job.Status = types.JobStatusFailed
	job.Stage = "dispatch"
	job.Error = err.Error()
	s.notify.JobFailed(job.OwnerUserID, job, "dispatch", err.Error())
	return fmt.Errorf("start temporal workflow: %w", err)
}

func (s *jobService) GetForUser(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (*types.JobRun, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("not authenticated")
	}
	if jobID == uuid.Nil {
		return nil, fmt.Errorf("missing job id")
	}
	job, err := s.repo.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.OwnerUserID != userID {
		return nil, fmt.Errorf("job not found")
	}
	return job, nil
}

func (s *jobService) CancelForUser(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (*types.JobRun, error) {
	job, err := s.GetForUser(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case types.JobStatusSucceeded, types.JobStatusFailed, types.JobStatusCanceled:
		return job, nil
	}

	now := time.Now()
	n, err := s.repo.UpdateFieldsUnlessStatus(ctx, nil, jobID, []string{
		types.JobStatusSucceeded, types.JobStatusFailed, types.JobStatusCanceled,
	}, map[string]interface{}{
		"status":     types.JobStatusCanceled,
		"updated_at": now,
	})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		job.Status = types.JobStatusCanceled
		job.UpdatedAt = now
	}

	// Best-effort: the workflow may have already completed.
	if s.temporal != nil {
		_ = s.temporal.CancelWorkflow(ctx, jobID.String(), "")
	}
	return job, nil
}
