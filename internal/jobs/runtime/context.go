package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/repos"
	"github.com/learningequality/studio-backend/internal/services"
	"github.com/learningequality/studio-backend/internal/types"
)

// Context is the execution handle for a single job run. It wraps the
// job_run row, the database, and the only sanctioned ways to report
// progress or terminate the run. Pipelines never touch job_run directly.
type Context struct {
	Ctx    context.Context
	DB     *gorm.DB
	Job    *types.JobRun
	Repo   repos.JobRunRepo
	Notify services.JobNotifier

	payload map[string]any
}

// NewContext builds a Context for a claimed job. The payload decodes
// eagerly; a malformed payload reads as empty and handlers fail on their
// own required-field checks.
func NewContext(ctx context.Context, db *gorm.DB, job *types.JobRun, repo repos.JobRunRepo, notify services.JobNotifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Repo:   repo,
		Notify: notify,
	}
	c.payload = map[string]any{}
	if job != nil && len(job.Payload) > 0 {
		_ = json.Unmarshal(job.Payload, &c.payload)
	}
	return c
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadUUID reads a payload field as a UUID.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	s, ok := v.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// PayloadBool reads a payload field as a bool, false when absent.
func (c *Context) PayloadBool(key string) bool {
	v, _ := c.Payload()[key].(bool)
	return v
}

// PayloadString reads a payload field as a string, empty when absent.
func (c *Context) PayloadString(key string) string {
	v, _ := c.Payload()[key].(string)
	return v
}

// Progress publishes a non-terminal update: stage and percent persisted to
// the row (unless the job was canceled underneath us) plus a notifier event.
func (c *Context) Progress(stage string, pct int) {
	if c == nil || c.Job == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	if c.Repo != nil && c.Job.ID != uuid.Nil {
		n, _ := c.Repo.UpdateFieldsUnlessStatus(ctx, nil, c.Job.ID, []string{types.JobStatusCanceled}, map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if n == 0 {
			return
		}
	}
	c.Job.Stage = stage
	c.Job.Progress = pct
	c.Job.HeartbeatAt = &now
	if c.Notify != nil {
		c.Notify.JobProgress(c.Job.OwnerUserID, c.Job, stage, pct)
	}
}

// Fail marks the run terminally failed. A concurrently canceled job is left
// alone and no notification is emitted.
func (c *Context) Fail(stage string, err error) {
	if c == nil || c.Job == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	now := time.Now()
	if c.Repo != nil && c.Job.ID != uuid.Nil {
		n, _ := c.Repo.UpdateFieldsUnlessStatus(ctx, nil, c.Job.ID, []string{types.JobStatusCanceled}, map[string]interface{}{
			"status":     types.JobStatusFailed,
			"stage":      stage,
			"error":      msg,
			"updated_at": now,
		})
		if n == 0 {
			return
		}
	}
	c.Job.Status = types.JobStatusFailed
	c.Job.Stage = stage
	c.Job.Error = msg
	if c.Notify != nil {
		c.Notify.JobFailed(c.Job.OwnerUserID, c.Job, stage, msg)
	}
}

// Succeed marks the run terminally succeeded and stores the result payload.
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil || c.Job == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var res datatypes.JSON
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			res = datatypes.JSON(raw)
		}
	}
	now := time.Now()
	if c.Repo != nil && c.Job.ID != uuid.Nil {
		n, _ := c.Repo.UpdateFieldsUnlessStatus(ctx, nil, c.Job.ID, []string{types.JobStatusCanceled}, map[string]interface{}{
			"status":       types.JobStatusSucceeded,
			"stage":        finalStage,
			"progress":     100,
			"error":        "",
			"result":       res,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if n == 0 {
			return
		}
	}
	c.Job.Status = types.JobStatusSucceeded
	c.Job.Stage = finalStage
	c.Job.Progress = 100
	c.Job.Error = ""
	c.Job.Result = res
	c.Job.HeartbeatAt = &now
	if c.Notify != nil {
		c.Notify.JobDone(c.Job.OwnerUserID, c.Job)
	}
}
