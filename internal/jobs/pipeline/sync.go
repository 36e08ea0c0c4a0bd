package pipeline

import (
	"errors"
	"fmt"

	"github.com/learningequality/studio-backend/internal/jobs"
	"github.com/learningequality/studio-backend/internal/jobs/runtime"
	"github.com/learningequality/studio-backend/internal/modules/copysync"
)

// SyncHandler re-pulls selected aspects of a cloned node from its upstream
// original. Payload flags choose the aspects; absent flags mean skip.
type SyncHandler struct {
	Copies *copysync.Engine
}

func (h *SyncHandler) Type() string { return jobs.TypeNodeSync }

func (h *SyncHandler) Run(rt *runtime.Context) error {
	nodeID, ok := rt.PayloadUUID("node_id")
	if !ok {
		err := errors.New("sync job payload missing node_id")
		rt.Fail("validate", err)
		return err
	}

	rt.Progress("sync", 0)
	err := h.Copies.Sync(rt.Ctx, nodeID, copysync.SyncOptions{
		TitlesAndDescriptions: rt.PayloadBool("titles_and_descriptions"),
		ResourceDetails:       rt.PayloadBool("resource_details"),
		Files:                 rt.PayloadBool("files"),
		AssessmentItems:       rt.PayloadBool("assessment_items"),
	})
	if err != nil {
		rt.Fail("sync", err)
		return err
	}

	rt.Succeed("done", map[string]interface{}{
		"node_id": nodeID.String(),
	})
	return nil
}

// NewSyncHandler wires the node sync pipeline.
func NewSyncHandler(copies *copysync.Engine) (*SyncHandler, error) {
	if copies == nil {
		return nil, fmt.Errorf("pipeline: copy engine is required")
	}
	return &SyncHandler{Copies: copies}, nil
}
