package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/http/middleware"
	"github.com/learningequality/studio-backend/internal/http/response"
	"github.com/learningequality/studio-backend/internal/observability"
	"github.com/learningequality/studio-backend/internal/services"
)

type MutationHandler struct {
	mutations services.MutationService
}

func NewMutationHandler(mutations services.MutationService) *MutationHandler {
	return &MutationHandler{mutations: mutations}
}

type mutationBatchRequest struct {
	Mutations []services.MutationRequest `json:"mutations"`
}

// POST /api/mutations
//
// Applies a batch of tree mutations. Items commit independently; the
// response carries a per-item result in request order and the HTTP status
// is 200 as long as the batch itself was well-formed.
func (h *MutationHandler) ApplyBatch(c *gin.Context) {
	var req mutationBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	if len(req.Mutations) == 0 {
		response.RespondError(c, http.StatusBadRequest, "empty_batch", fmt.Errorf("mutations array is empty"))
		return
	}

	user := services.User{ID: middleware.UserID(c).String()}
	results := h.mutations.Apply(c.Request.Context(), user, req.Mutations)

	if m := observability.Current(); m != nil {
		for i, res := range results {
			outcome := "applied"
			if !res.Applied {
				outcome = "failed"
			}
			m.ObserveMutation(req.Mutations[i].Op, outcome)
		}
	}

	response.RespondOK(c, gin.H{"results": results})
}

// POST /api/channels/:id/garbage-collect
//
// Hard-deletes everything parked under the channel's trash tree.
func (h *MutationHandler) GarbageCollect(c *gin.Context) {
	channelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_channel_id", err)
		return
	}
	removed, err := h.mutations.GarbageCollect(c.Request.Context(), channelID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "garbage_collect_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"removed": removed})
}

type visibilityRequest struct {
	Public bool `json:"public"`
}

// PUT /api/channels/:id/visibility
//
// Toggles the channel's public catalog flag. Pure metadata: the content
// tree's changed flags are untouched, so this never queues a republish.
func (h *MutationHandler) SetVisibility(c *gin.Context) {
	channelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_channel_id", err)
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}

	user := services.User{ID: middleware.UserID(c).String()}
	if err := h.mutations.SetChannelPublic(c.Request.Context(), user, channelID, req.Public); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, services.ErrPermissionDenied) {
			status = http.StatusForbidden
		}
		response.RespondError(c, status, "visibility_update_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"channel_id": channelID, "public": req.Public})
}
