package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/learningequality/studio-backend/internal/http/middleware"
	"github.com/learningequality/studio-backend/internal/observability"
	"github.com/learningequality/studio-backend/internal/sse"
)

// RealtimeHandler streams job lifecycle events to editors. Each connection
// is auto-subscribed to the caller's own user channel, which is where job
// notifications land.
type RealtimeHandler struct {
	hub *sse.Hub
}

func NewRealtimeHandler(hub *sse.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// GET /api/sse/stream
func (h *RealtimeHandler) Stream(c *gin.Context) {
	userID := middleware.UserID(c)
	client := h.hub.NewClient(userID)
	h.hub.Subscribe(client, userID.String())

	m := observability.Current()
	m.SSEClientConnected()
	defer func() {
		m.SSEClientDisconnected()
		h.hub.RemoveClient(client)
	}()

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
