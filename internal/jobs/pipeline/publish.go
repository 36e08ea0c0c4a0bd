package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/learningequality/studio-backend/internal/jobs"
	"github.com/learningequality/studio-backend/internal/jobs/runtime"
	"github.com/learningequality/studio-backend/internal/modules/publish"
	"github.com/learningequality/studio-backend/internal/observability"
	"github.com/learningequality/studio-backend/internal/services"
)

// PublishHandler runs a channel publish as a background job. The payload
// mirrors the publish endpoint's request body; progress from the compile
// walk streams back onto the job row.
type PublishHandler struct {
	Publisher *publish.Publisher
	Search    services.SearchIndexer
}

func (h *PublishHandler) Type() string { return jobs.TypeChannelPublish }

func (h *PublishHandler) Run(rt *runtime.Context) error {
	channelID, ok := rt.PayloadUUID("channel_id")
	if !ok {
		err := errors.New("publish job payload missing channel_id")
		rt.Fail("validate", err)
		return err
	}

	started := time.Now()
	isDraft := rt.PayloadBool("is_draft")

	rt.Progress("compile", 0)
	res, err := h.Publisher.Publish(rt.Ctx, publish.PublishRequest{
		ChannelID:      channelID,
		Force:          rt.PayloadBool("force"),
		ForceExercises: rt.PayloadBool("force_exercises"),
		VersionNotes:   rt.PayloadString("version_notes"),
		IsDraft:        isDraft,
		Progress: func(pct float64) {
			rt.Progress("compile", int(pct))
		},
	})
	if err != nil {
		stage := "publish"
		switch {
		case errors.Is(err, publish.ErrNothingToPublish),
			errors.Is(err, publish.ErrChannelIncomplete),
			errors.Is(err, publish.ErrAlreadyPublishing):
			stage = "precondition"
		}
		rt.Fail(stage, err)
		return err
	}

	observability.Current().ObservePublish(isDraft, time.Since(started), res.NodeCount)
	if h.Search != nil && !isDraft {
		h.Search.ChannelPublished(rt.Ctx, channelID, res.Version)
	}

	rt.Succeed("done", map[string]interface{}{
		"version":      res.Version,
		"artifact_key": res.ArtifactKey,
		"node_count":   res.NodeCount,
	})
	return nil
}

// NewPublishHandler wires the publish pipeline. The search indexer is
// optional.
func NewPublishHandler(p *publish.Publisher, search services.SearchIndexer) (*PublishHandler, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline: publisher is required")
	}
	return &PublishHandler{Publisher: p, Search: search}, nil
}
