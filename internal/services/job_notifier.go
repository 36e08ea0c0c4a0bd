package services

import (
	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/sse"
	"github.com/learningequality/studio-backend/internal/types"
)

// JobNotifier pushes job lifecycle events to whoever is watching; progress
// arrives as a percent-complete value. Implementations must never block the
// job itself.
type JobNotifier interface {
	JobCreated(userID uuid.UUID, job *types.JobRun)
	JobProgress(userID uuid.UUID, job *types.JobRun, stage string, progress int)
	JobFailed(userID uuid.UUID, job *types.JobRun, stage string, errorMessage string)
	JobDone(userID uuid.UUID, job *types.JobRun)
}

type jobNotifier struct {
	hub *sse.Hub
}

func NewJobNotifier(hub *sse.Hub) JobNotifier {
	return &jobNotifier{hub: hub}
}

func (n *jobNotifier) JobCreated(userID uuid.UUID, job *types.JobRun) {
	n.hub.Broadcast(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventJobCreated,
		Data:    map[string]any{"job": job},
	})
}

func (n *jobNotifier) JobProgress(userID uuid.UUID, job *types.JobRun, stage string, progress int) {
	n.hub.Broadcast(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventJobProgress,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"stage":    stage,
			"progress": progress,
		},
	})
}

func (n *jobNotifier) JobFailed(userID uuid.UUID, job *types.JobRun, stage string, errorMessage string) {
	n.hub.Broadcast(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventJobFailed,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"stage":    stage,
			"error":    errorMessage,
		},
	})
}

func (n *jobNotifier) JobDone(userID uuid.UUID, job *types.JobRun) {
	n.hub.Broadcast(sse.Message{
		Channel: userID.String(),
		Event:   sse.EventJobDone,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"result":   job.Result,
		},
	})
}

// NopJobNotifier discards all events; used when no streaming surface exists
// (tests, one-shot maintenance commands).
type NopJobNotifier struct{}

func (NopJobNotifier) JobCreated(uuid.UUID, *types.JobRun)                {}
func (NopJobNotifier) JobProgress(uuid.UUID, *types.JobRun, string, int)  {}
func (NopJobNotifier) JobFailed(uuid.UUID, *types.JobRun, string, string) {}
func (NopJobNotifier) JobDone(uuid.UUID, *types.JobRun)                   {}
