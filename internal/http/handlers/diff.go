package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/http/response"
	"github.com/learningequality/studio-backend/internal/modules/diff"
)

type DiffHandler struct {
	differ *diff.Differ
}

func NewDiffHandler(differ *diff.Differ) *DiffHandler {
	return &DiffHandler{differ: differ}
}

// GET /api/diff?original=<root-id>&changed=<root-id>
//
// Compares two tree roots, typically a channel's staging root against its
// main root before deploying staged content.
func (h *DiffHandler) GetDiff(c *gin.Context) {
	originalID, err := uuid.Parse(c.Query("original"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_original_id", err)
		return
	}
	changedID, err := uuid.Parse(c.Query("changed"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_changed_id", err)
		return
	}

	rows, err := h.differ.Generate(c.Request.Context(), originalID, changedID)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "diff_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"stats": rows})
}

func errMissingField(name string) error {
	return fmt.Errorf("missing %s", name)
}
