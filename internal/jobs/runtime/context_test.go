package runtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/learningequality/studio-backend/internal/repos"
	"github.com/learningequality/studio-backend/internal/testutil"
	"github.com/learningequality/studio-backend/internal/types"
)

// captureNotifier records every event so tests can assert on what was
// (and was not) emitted.
type captureNotifier struct {
	created  int
	progress []string
	failed   []string
	done     int
}

func (n *captureNotifier) JobCreated(uuid.UUID, *types.JobRun) { n.created++ }
func (n *captureNotifier) JobProgress(_ uuid.UUID, _ *types.JobRun, stage string, _ int) {
	n.progress = append(n.progress, stage)
}
func (n *captureNotifier) JobFailed(_ uuid.UUID, _ *types.JobRun, stage string, _ string) {
	n.failed = append(n.failed, stage)
}
func (n *captureNotifier) JobDone(uuid.UUID, *types.JobRun) { n.done++ }

func seedJob(tb testing.TB, ctx context.Context, repo repos.JobRunRepo, status string, payload map[string]any) *types.JobRun {
	tb.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		tb.Fatalf("marshal payload: %v", err)
	}
	job := &types.JobRun{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		JobType:     "channel_publish",
		Status:      status,
		Stage:       "queued",
		Payload:     datatypes.JSON(raw),
		Result:      datatypes.JSON([]byte(`{}`)),
	}
	if _, err := repo.Create(ctx, nil, []*types.JobRun{job}); err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return job
}

func reloadJob(tb testing.TB, ctx context.Context, repo repos.JobRunRepo, id uuid.UUID) *types.JobRun {
	tb.Helper()
	job, err := repo.GetByID(ctx, nil, id)
	if err != nil {
		tb.Fatalf("reload job: %v", err)
	}
	if job == nil {
		tb.Fatalf("job %s disappeared", id)
	}
	return job
}

func TestContextProgressPersistsAndNotifies(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := repos.NewJobRunRepo(db, testutil.Logger(t))
	job := seedJob(t, ctx, repo, types.JobStatusRunning, nil)
	notify := &captureNotifier{}

	rt := NewContext(ctx, db, job, repo, notify)
	rt.Progress("compile", 40)

	row := reloadJob(t, ctx, repo, job.ID)
	if row.Stage != "compile" || row.Progress != 40 {
		t.Fatalf("row = %s/%d, want compile/40", row.Stage, row.Progress)
	}
	if row.HeartbeatAt == nil {
		t.Fatal("progress should refresh heartbeat_at")
	}
	if len(notify.progress) != 1 || notify.progress[0] != "compile" {
		t.Fatalf("progress events = %v", notify.progress)
	}
}

func TestContextFailPersistsError(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := repos.NewJobRunRepo(db, testutil.Logger(t))
	job := seedJob(t, ctx, repo, types.JobStatusRunning, nil)
	notify := &captureNotifier{}

	rt := NewContext(ctx, db, job, repo, notify)
	rt.Fail("clone", context.DeadlineExceeded)

	row := reloadJob(t, ctx, repo, job.ID)
	if row.Status != types.JobStatusFailed {
		t.Fatalf("status = %s, want failed", row.Status)
	}
	if row.Stage != "clone" || row.Error == "" {
		t.Fatalf("stage/error = %s/%q", row.Stage, row.Error)
	}
	if len(notify.failed) != 1 {
		t.Fatalf("failed events = %v", notify.failed)
	}
}

func TestContextSucceedStoresResult(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := repos.NewJobRunRepo(db, testutil.Logger(t))
	job := seedJob(t, ctx, repo, types.JobStatusRunning, nil)
	notify := &captureNotifier{}

	rt := NewContext(ctx, db, job, repo, notify)
	rt.Succeed("done", map[string]interface{}{"version": 3})

	row := reloadJob(t, ctx, repo, job.ID)
	if row.Status != types.JobStatusSucceeded || row.Progress != 100 {
		t.Fatalf("status/progress = %s/%d", row.Status, row.Progress)
	}
	var res map[string]interface{}
	if err := json.Unmarshal(row.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res["version"] != float64(3) {
		t.Fatalf("result = %v", res)
	}
	if notify.done != 1 {
		t.Fatalf("done events = %d", notify.done)
	}
}

func TestContextDropsWritesAfterCancel(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := repos.NewJobRunRepo(db, testutil.Logger(t))
	job := seedJob(t, ctx, repo, types.JobStatusRunning, nil)
	notify := &captureNotifier{}
	rt := NewContext(ctx, db, job, repo, notify)

	// Cancel underneath the running handler.
	if err := repo.UpdateFields(ctx, nil, job.ID, map[string]interface{}{
		"status": types.JobStatusCanceled,
	}); err != nil {
		t.Fatalf("cancel job: %v", err)
	}

	rt.Progress("compile", 90)
	rt.Succeed("done", nil)
	rt.Fail("publish", context.Canceled)

	row := reloadJob(t, ctx, repo, job.ID)
	if row.Status != types.JobStatusCanceled {
		t.Fatalf("status = %s, want canceled to stick", row.Status)
	}
	if len(notify.progress) != 0 || len(notify.failed) != 0 || notify.done != 0 {
		t.Fatalf("canceled job must not notify: %+v", notify)
	}
}

func TestContextPayloadAccessors(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := repos.NewJobRunRepo(db, testutil.Logger(t))
	channelID := uuid.New()
	job := seedJob(t, ctx, repo, types.JobStatusRunning, map[string]any{
		"channel_id": channelID.String(),
		"is_draft":   true,
		"notes":      "first pass",
		"bogus_id":   "not-a-uuid",
	})

	rt := NewContext(ctx, db, job, repo, nil)
	if got, ok := rt.PayloadUUID("channel_id"); !ok || got != channelID {
		t.Fatalf("PayloadUUID = %v/%v", got, ok)
	}
	if _, ok := rt.PayloadUUID("bogus_id"); ok {
		t.Fatal("malformed uuid should not parse")
	}
	if _, ok := rt.PayloadUUID("missing"); ok {
		t.Fatal("missing key should not parse")
	}
	if !rt.PayloadBool("is_draft") || rt.PayloadBool("missing") {
		t.Fatal("PayloadBool mismatch")
	}
	if rt.PayloadString("notes") != "first pass" {
		t.Fatalf("PayloadString = %q", rt.PayloadString("notes"))
	}
}

func TestContextMalformedPayloadReadsEmpty(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := repos.NewJobRunRepo(db, testutil.Logger(t))
	job := seedJob(t, ctx, repo, types.JobStatusRunning, nil)
	job.Payload = datatypes.JSON([]byte(`{broken`))

	rt := NewContext(ctx, db, job, repo, nil)
	if len(rt.Payload()) != 0 {
		t.Fatalf("payload = %v, want empty", rt.Payload())
	}
}
