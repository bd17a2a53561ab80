package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/artvault/artvault/internal/archive/biz"
	archivedata "github.com/artvault/artvault/internal/archive/data"
	"github.com/artvault/artvault/internal/archive/queue"
	"github.com/artvault/artvault/internal/archive/service"
	"github.com/artvault/artvault/internal/conf"
	"github.com/artvault/artvault/internal/data"
	"github.com/artvault/artvault/internal/iqdb"
	"github.com/artvault/artvault/internal/media"
	"github.com/artvault/artvault/internal/pkg/logger"
	"github.com/artvault/artvault/internal/pkg/workerpool"
	"github.com/artvault/artvault/internal/server"
)

var (
	configFile = flag.String("config", "config.yaml", "config file path")
)

func main() {
	flag.Parse()

	// Load configuration
	config, err := conf.LoadConfig(*configFile)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&config.Log)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	log.Info("config loaded successfully")

	// Initialize data layer
	d, cleanup, err := data.NewData(config, log)
	if err != nil {
		log.Fatal("failed to initialize data layer", zap.Error(err))
	}
	defer cleanup()

	// Initialize repositories and infrastructure adapters
	fileRepo := archivedata.NewSubmissionFileRepo(d.DB.GetDB())
	matchRepo := archivedata.NewMatchRepo(d.DB.GetDB())
	artifactStore := archivedata.NewArtifactStore(d.MinIO, config.MinIO.Bucket)

	similarityClient, err := iqdb.New(&config.Similarity, log.Named("iqdb"))
	if err != nil {
		log.Fatal("failed to initialize similarity client", zap.Error(err))
	}

	analyzer := media.NewAnalyzer(&config.Media)
	variants := media.NewGenerator(&config.Media)

	// Initialize use case
	fileUseCase := biz.NewSubmissionFileUseCase(
		fileRepo,
		matchRepo,
		artifactStore,
		similarityClient,
		analyzer,
		variants,
		config.Media.IgnoreTypes,
		log.Named("archive"),
	)

	// Initialize worker pool and scheduler
	pool, err := workerpool.New(&config.Worker.Pool, log.Logger)
	if err != nil {
		log.Fatal("failed to initialize worker pool", zap.Error(err))
	}
	defer pool.Shutdown()

	scheduler := queue.New(d.Redis, pool, config.Worker.PollInterval, log.Named("queue"))
	scheduler.Register(queue.TaskSimilarity, fileUseCase.ResolveSimilarity)
	scheduler.Register(queue.TaskIndexRemove, fileUseCase.RemoveFromIndex)

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	go scheduler.Run(schedulerCtx)

	// Initialize services
	fileService := service.NewSubmissionFileService(fileUseCase, scheduler, log.Named("service"))

	// Initialize server
	httpServer := server.NewHTTPServer(config, log, fileService)

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	log.Info("server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopScheduler()

	if err := httpServer.Stop(ctx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}
