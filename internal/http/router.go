package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/learningequality/studio-backend/internal/http/handlers"
	httpMW "github.com/learningequality/studio-backend/internal/http/middleware"
	"github.com/learningequality/studio-backend/internal/observability"
	"github.com/learningequality/studio-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics

	AuthMiddleware *httpMW.AuthMiddleware

	MutationHandler *httpH.MutationHandler
	PublishHandler  *httpH.PublishHandler
	NodeHandler     *httpH.NodeHandler
	DiffHandler     *httpH.DiffHandler
	JobHandler      *httpH.JobHandler
	RealtimeHandler *httpH.RealtimeHandler

	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	r.Use(httpMW.Metrics(cfg.Metrics))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireUser())
	}
	{
		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			api.GET("/sse/stream", cfg.RealtimeHandler.Stream)
		}

		// Tree mutations
		if cfg.MutationHandler != nil {
			api.POST("/mutations", cfg.MutationHandler.ApplyBatch)
			api.POST("/channels/:id/garbage-collect", cfg.MutationHandler.GarbageCollect)
			api.PUT("/channels/:id/visibility", cfg.MutationHandler.SetVisibility)
		}

		// Publish
		if cfg.PublishHandler != nil {
			api.POST("/channels/:id/publish", cfg.PublishHandler.PublishChannel)
		}

		// Subtree copy / sync
		if cfg.NodeHandler != nil {
			api.POST("/nodes/:id/copy", cfg.NodeHandler.CopyNode)
			api.POST("/nodes/:id/sync", cfg.NodeHandler.SyncNode)
			api.GET("/nodes/:id/size", cfg.NodeHandler.GetSize)
		}

		// Staging diff
		if cfg.DiffHandler != nil {
			api.GET("/diff", cfg.DiffHandler.GetDiff)
		}

		// Jobs
		if cfg.JobHandler != nil {
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
		}
	}

	return r
}
