package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/eventphoto/photo-pipeline/internal/api/handlers/image"
	"github.com/eventphoto/photo-pipeline/internal/api/router"
	"github.com/eventphoto/photo-pipeline/internal/api/server"
	"github.com/eventphoto/photo-pipeline/internal/classifier"
	"github.com/eventphoto/photo-pipeline/internal/config"
	"github.com/eventphoto/photo-pipeline/internal/infra/kafka/consumer"
	"github.com/eventphoto/photo-pipeline/internal/infra/kafka/producer"
	imagemsg "github.com/eventphoto/photo-pipeline/internal/kafka/handlers/image"
	"github.com/eventphoto/photo-pipeline/internal/pipeline"
	"github.com/eventphoto/photo-pipeline/internal/processor"
	imagerepo "github.com/eventphoto/photo-pipeline/internal/repository/image"
	tagrepo "github.com/eventphoto/photo-pipeline/internal/repository/tag"
	taskrepo "github.com/eventphoto/photo-pipeline/internal/repository/task"
	imagesvc "github.com/eventphoto/photo-pipeline/internal/service/image"
	"github.com/eventphoto/photo-pipeline/internal/storage/file"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Apply schema migrations on the master.
	if err := goose.SetDialect("postgres"); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to set goose dialect")
	}
	if err := goose.Up(db.Master, cfg.Database.MigrationsDir); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// Retry strategy for Kafka and other infrastructure calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Initialize blob storage (MinIO).
	blob, err := file.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// Repositories.
	images := imagerepo.NewRepository(db)
	tasks := taskrepo.NewRepository(db)
	tags := tagrepo.NewRepository(db)

	// Processors for the four task kinds.
	predictor := classifier.NewClient(cfg.Classifier.BaseURL, cfg.Classifier.APIKey, cfg.Classifier.Timeout)

	watermarker, err := processor.NewWatermarkCompositor(blob, images, cfg.Watermark.Caption, cfg.Watermark.FontPath)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to initialize watermark compositor")
	}

	processors := []pipeline.Processor{
		processor.NewMetadataExtractor(blob, images),
		processor.NewThumbnailGenerator(blob, images),
		watermarker,
		processor.NewAutoTagger(blob, images, tags, predictor, cfg.Classifier.MaxTags),
	}

	// Dispatcher and worker pool.
	dispatcher := pipeline.New(tasks, processors, pipeline.Config{
		Workers:         cfg.Pipeline.Workers,
		PollInterval:    cfg.Pipeline.PollInterval,
		TaskTimeout:     cfg.Pipeline.TaskTimeout,
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
		BackoffBase:     cfg.Pipeline.BackoffBase,
		BackoffCap:      cfg.Pipeline.BackoffCap,
		ReclaimInterval: cfg.Pipeline.ReclaimInterval,
	})

	// Ingestion gateway service and Kafka wiring.
	p := producer.New(&cfg.Kafka, strategy)
	service := imagesvc.NewService(blob, images, tasks, tags, p, dispatcher)

	uploadedHandler := imagemsg.NewUploadedHandler(service)
	c := consumer.New(&cfg.Kafka, strategy, uploadedHandler)

	var wg sync.WaitGroup

	// Start worker pool and Kafka consumer.
	dispatcher.Run(ctx, &wg)

	wg.Add(1)
	go c.Consume(ctx, &wg)

	// Start HTTP server.
	imgHandler := image.NewHandler(service)
	r := router.Setup(imgHandler)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Wait for workers and consumer goroutine to finish.
	wg.Wait()

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}
	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	// Close Kafka producer and consumer clients.
	if err = p.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
	}
	if err = c.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
	}
}
