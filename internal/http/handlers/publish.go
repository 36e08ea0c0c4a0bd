package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/http/middleware"
	"github.com/learningequality/studio-backend/internal/http/response"
	"github.com/learningequality/studio-backend/internal/jobs"
	"github.com/learningequality/studio-backend/internal/services"
)

// PublishHandler enqueues publish jobs. The publish itself runs on the
// worker; clients follow progress over SSE or by polling the job.
type PublishHandler struct {
	jobs services.JobService
}

func NewPublishHandler(jobSvc services.JobService) *PublishHandler {
	return &PublishHandler{jobs: jobSvc}
}

type publishRequest struct {
	Force          bool   `json:"force"`
	ForceExercises bool   `json:"force_exercises"`
	VersionNotes   string `json:"version_notes"`
	IsDraft        bool   `json:"is_draft"`
}

// POST /api/channels/:id/publish
func (h *PublishHandler) PublishChannel(c *gin.Context) {
	channelID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_channel_id", err)
		return
	}
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}

	payload := map[string]any{
		"channel_id":      channelID.String(),
		"force":           req.Force,
		"force_exercises": req.ForceExercises,
		"version_notes":   req.VersionNotes,
		"is_draft":        req.IsDraft,
	}
	job, err := h.jobs.Enqueue(c.Request.Context(), middleware.UserID(c), jobs.TypeChannelPublish, &channelID, payload)
	if err != nil {
		response.RespondError(c, http.StatusBadGateway, "enqueue_publish_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}
