package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/http/middleware"
	"github.com/learningequality/studio-backend/internal/http/response"
	"github.com/learningequality/studio-backend/internal/jobs"
	"github.com/learningequality/studio-backend/internal/repos"
	"github.com/learningequality/studio-backend/internal/services"
	"github.com/learningequality/studio-backend/internal/tree"
)

// NodeHandler enqueues the long-running subtree operations, copy and sync,
// and serves subtree size reads. Small edits go through the mutation batch
// endpoint instead.
type NodeHandler struct {
	jobs  services.JobService
	nodes repos.ContentNodeRepo
	sizes *tree.SizeCache
}

func NewNodeHandler(jobSvc services.JobService, nodes repos.ContentNodeRepo, sizes *tree.SizeCache) *NodeHandler {
	return &NodeHandler{jobs: jobSvc, nodes: nodes, sizes: sizes}
}

type copyRequest struct {
	ChannelID uuid.UUID      `json:"channel_id"`
	TargetID  uuid.UUID      `json:"target_id"`
	Position  string         `json:"position"`
	Mods      map[string]any `json:"mods,omitempty"`

	CanEditSourceChannel bool `json:"can_edit_source_channel"`
}

// POST /api/nodes/:id/copy
func (h *NodeHandler) CopyNode(c *gin.Context) {
	sourceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_node_id", err)
		return
	}
	var req copyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	if req.TargetID == uuid.Nil {
		response.RespondError(c, http.StatusBadRequest, "missing_target_id", errMissingField("target_id"))
		return
	}

	payload := map[string]any{
		"source_id":               sourceID.String(),
		"target_id":               req.TargetID.String(),
		"position":                req.Position,
		"mods":                    req.Mods,
		"can_edit_source_channel": req.CanEditSourceChannel,
	}
	var channelID *uuid.UUID
	if req.ChannelID != uuid.Nil {
		channelID = &req.ChannelID
	}
	job, err := h.jobs.Enqueue(c.Request.Context(), middleware.UserID(c), jobs.TypeSubtreeCopy, channelID, payload)
	if err != nil {
		response.RespondError(c, http.StatusBadGateway, "enqueue_copy_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

type syncRequest struct {
	ChannelID             uuid.UUID `json:"channel_id"`
	TitlesAndDescriptions bool      `json:"titles_and_descriptions"`
	ResourceDetails       bool      `json:"resource_details"`
	Files                 bool      `json:"files"`
	AssessmentItems       bool      `json:"assessment_items"`
}

// POST /api/nodes/:id/sync
func (h *NodeHandler) SyncNode(c *gin.Context) {
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_node_id", err)
		return
	}
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}

	payload := map[string]any{
		"node_id":                 nodeID.String(),
		"titles_and_descriptions": req.TitlesAndDescriptions,
		"resource_details":        req.ResourceDetails,
		"files":                   req.Files,
		"assessment_items":        req.AssessmentItems,
	}
	var channelID *uuid.UUID
	if req.ChannelID != uuid.Nil {
		channelID = &req.ChannelID
	}
	job, err := h.jobs.Enqueue(c.Request.Context(), middleware.UserID(c), jobs.TypeNodeSync, channelID, payload)
	if err != nil {
		response.RespondError(c, http.StatusBadGateway, "enqueue_sync_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// GET /api/nodes/:id/size?force=true
func (h *NodeHandler) GetSize(c *gin.Context) {
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_node_id", err)
		return
	}
	node, err := h.nodes.GetByID(c.Request.Context(), nil, nodeID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "node_not_found", err)
		return
	}
	force := c.Query("force") == "true"
	res, err := h.sizes.ResourceSize(c.Request.Context(), node, force)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "size_failed", err)
		return
	}
	response.RespondOK(c, res)
}
