package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/learningequality/studio-backend/internal/db"
	httpserver "github.com/learningequality/studio-backend/internal/http"
	httpH "github.com/learningequality/studio-backend/internal/http/handlers"
	httpMW "github.com/learningequality/studio-backend/internal/http/middleware"
	"github.com/learningequality/studio-backend/internal/jobs/pipeline"
	"github.com/learningequality/studio-backend/internal/jobs/runtime"
	"github.com/learningequality/studio-backend/internal/modules/copysync"
	"github.com/learningequality/studio-backend/internal/modules/diff"
	"github.com/learningequality/studio-backend/internal/modules/publish"
	"github.com/learningequality/studio-backend/internal/observability"
	"github.com/learningequality/studio-backend/internal/platform/gcs"
	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/repos"
	"github.com/learningequality/studio-backend/internal/services"
	"github.com/learningequality/studio-backend/internal/sse"
	"github.com/learningequality/studio-backend/internal/temporalx"
	"github.com/learningequality/studio-backend/internal/temporalx/temporalworker"
	"github.com/learningequality/studio-backend/internal/tree"
	"github.com/learningequality/studio-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	metrics := observability.Init(log)
	metrics.StartServer(ctx, log, utils.GetEnv("METRICS_ADDR", "", log))

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Blob storage
	store, err := gcs.NewBlobStore(ctx, log)
	if err != nil {
		log.Error("Blob store init failed", "error", err)
		os.Exit(1)
	}

	// Repos
	log.Info("Setting up repos...")
	channelRepo := repos.NewChannelRepo(thePG, log)
	nodeRepo := repos.NewContentNodeRepo(thePG, log)
	itemRepo := repos.NewAssessmentItemRepo(thePG, log)
	fileRepo := repos.NewFileRepo(thePG, log)
	tagRepo := repos.NewContentTagRepo(thePG, log)
	jobRunRepo := repos.NewJobRunRepo(thePG, log)

	// Redis (optional, size cache backing)
	var rdb *goredis.Client
	if addr := utils.GetEnv("REDIS_ADDR", "", log); addr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: utils.GetEnv("REDIS_PASSWORD", "", log),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis unreachable; size cache falls back to in-process map", "error", err)
			rdb = nil
		}
	}

	// Engines
	trees := tree.NewEngine(thePG, log)
	sizes := tree.NewSizeCache(thePG, log, rdb)
	copies := copysync.NewEngine(thePG, trees, itemRepo, fileRepo, tagRepo, log)
	publisher := publish.NewPublisher(thePG, channelRepo, nodeRepo, itemRepo, fileRepo, store, log)
	differ := diff.NewDiffer(thePG, log)

	// SSE + notifications
	hub := sse.NewHub(log)
	notifier := services.NewJobNotifier(hub)
	search := services.LogSearchIndexer{Log: log}

	// Services
	log.Info("Setting up services...")
	mutations := services.NewMutationService(thePG, trees, copies, services.AllowAll{}, log)

	// Temporal
	tc, err := temporalx.NewClient(log)
	if err != nil {
		log.Error("Temporal init failed", "error", err)
		os.Exit(1)
	}
	jobSvc := services.NewJobService(thePG, log, jobRunRepo, notifier, tc, temporalx.LoadConfig().TaskQueue)

	// Worker
	if tc != nil {
		defer tc.Close()

		registry := runtime.NewRegistry()
		publishHandler, err := pipeline.NewPublishHandler(publisher, search)
		if err != nil {
			log.Error("Publish pipeline init failed", "error", err)
			os.Exit(1)
		}
		copyHandler, err := pipeline.NewCopyHandler(copies)
		if err != nil {
			log.Error("Copy pipeline init failed", "error", err)
			os.Exit(1)
		}
		syncHandler, err := pipeline.NewSyncHandler(copies)
		if err != nil {
			log.Error("Sync pipeline init failed", "error", err)
			os.Exit(1)
		}
		for _, h := range []runtime.Handler{publishHandler, copyHandler, syncHandler} {
			if err := registry.Register(h); err != nil {
				log.Error("Handler registration failed", "error", err)
				os.Exit(1)
			}
		}

		runner, err := temporalworker.NewRunner(log, tc, thePG, jobRunRepo, registry, notifier)
		if err != nil {
			log.Error("Temporal worker init failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Start(ctx); err != nil {
			log.Error("Temporal worker start failed", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("Temporal disabled; publish/copy/sync jobs cannot run")
	}

	// HTTP
	log.Info("Setting up HTTP server...")
	server := httpserver.NewServer(httpserver.RouterConfig{
		Log:     log,
		Metrics: metrics,

		AuthMiddleware: httpMW.NewAuthMiddleware(log),

		MutationHandler: httpH.NewMutationHandler(mutations),
		PublishHandler:  httpH.NewPublishHandler(jobSvc),
		NodeHandler:     httpH.NewNodeHandler(jobSvc, nodeRepo, sizes),
		DiffHandler:     httpH.NewDiffHandler(differ),
		JobHandler:      httpH.NewJobHandler(jobSvc),
		RealtimeHandler: httpH.NewRealtimeHandler(hub),

		HealthHandler: httpH.NewHealthHandler(),
	})

	addr := ":" + utils.GetEnv("PORT", "8080", log)
	log.Info("Listening", "addr", addr)
	if err := server.Run(addr); err != nil {
		log.Error("HTTP server exited", "error", err)
		os.Exit(1)
	}
}
