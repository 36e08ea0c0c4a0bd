package pipeline

import (
	"errors"
	"fmt"

	"github.com/learningequality/studio-backend/internal/jobs"
	"github.com/learningequality/studio-backend/internal/jobs/runtime"
	"github.com/learningequality/studio-backend/internal/modules/copysync"
	"github.com/learningequality/studio-backend/internal/tree"
)

// CopyHandler clones a subtree under a target node as a background job.
// Large subtrees are the reason this runs out-of-band: the clone walk
// reports per-batch progress onto the job row.
type CopyHandler struct {
	Copies *copysync.Engine
}

func (h *CopyHandler) Type() string { return jobs.TypeSubtreeCopy }

func (h *CopyHandler) Run(rt *runtime.Context) error {
	sourceID, ok := rt.PayloadUUID("source_id")
	if !ok {
		err := errors.New("copy job payload missing source_id")
		rt.Fail("validate", err)
		return err
	}
	targetID, ok := rt.PayloadUUID("target_id")
	if !ok {
		err := errors.New("copy job payload missing target_id")
		rt.Fail("validate", err)
		return err
	}

	mods, _ := rt.Payload()["mods"].(map[string]any)

	rt.Progress("clone", 0)
	clone, err := h.Copies.Copy(rt.Ctx, copysync.CopyRequest{
		SourceID:             sourceID,
		TargetID:             targetID,
		Position:             tree.Position(rt.PayloadString("position")),
		Mods:                 mods,
		CanEditSourceChannel: rt.PayloadBool("can_edit_source_channel"),
		Progress: func(pct float64) {
			rt.Progress("clone", int(pct))
		},
	})
	if err != nil {
		rt.Fail("clone", err)
		return err
	}

	rt.Succeed("done", map[string]interface{}{
		"node_id": clone.ID.String(),
	})
	return nil
}

// NewCopyHandler wires the subtree copy pipeline.
func NewCopyHandler(copies *copysync.Engine) (*CopyHandler, error) {
	if copies == nil {
		return nil, fmt.Errorf("pipeline: copy engine is required")
	}
	return &CopyHandler{Copies: copies}, nil
}
