/**
 * Question Extraction Worker - Main Entry Point
 *
 * Go worker that turns photographed exam papers into typed questions.
 *
 * Architecture:
 * - Asynq (or Node-compatible Redis LIST) consumer for extraction jobs
 * - Image normalization and enhancement variants
 * - Pool of long-lived Tesseract workers with diverse segmentation strategies
 * - Fusion, text correction and question structure extraction
 * - Redis-backed result cache and duplicate index
 * - PostgreSQL + Qdrant persistence of finalized questions
 * - HTTP surface for health, metrics, synchronous extraction and job submission
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/adverant/nexus/questionprocess-worker/internal/cache"
	"github.com/adverant/nexus/questionprocess-worker/internal/config"
	"github.com/adverant/nexus/questionprocess-worker/internal/logging"
	"github.com/adverant/nexus/questionprocess-worker/internal/pipeline"
	"github.com/adverant/nexus/questionprocess-worker/internal/processor"
	"github.com/adverant/nexus/questionprocess-worker/internal/queue"
	"github.com/adverant/nexus/questionprocess-worker/internal/recognizer"
	"github.com/adverant/nexus/questionprocess-worker/internal/server"
	"github.com/adverant/nexus/questionprocess-worker/internal/storage"
	"github.com/adverant/nexus/questionprocess-worker/internal/telemetry"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(".env.nexus"); err != nil {
		log.Printf("Warning: .env.nexus not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLogger("questionprocess")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	log.Printf("Question Extraction Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, PostgreSQL=%v, Qdrant=%s, Queue=%s (%s), Workers=%d, OCR pool=%d",
		cfg.RedisURL, cfg.DatabaseURL != "", cfg.QdrantURL, cfg.QueueName, cfg.QueueMode,
		cfg.WorkerConcurrency, cfg.PoolSize)

	ctx := context.Background()

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := telemetry.NewPrometheusSink(registry)

	// Recognizer pool
	log.Printf("Starting %d %s recognizer workers (strategies=%v, languages=%v)...",
		cfg.PoolSize, cfg.OCREngine, cfg.Strategies, cfg.Languages)
	pool, err := recognizer.NewWorkerPool(cfg.PoolConfig(), cfg.EngineFactory())
	if err != nil {
		log.Fatalf("Failed to initialize recognizer pool: %v", err)
	}
	defer pool.Close()

	// Result cache and duplicate index
	checks := map[string]server.HealthCheck{}
	var store cache.Store
	var duplicates cache.DuplicateIndex = cache.NewMemoryDuplicateIndex(cfg.DuplicateWindow, cfg.CacheMaxEntries*4)
	if cfg.CacheRedis {
		redisStore, err := cache.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: Redis result cache unavailable, using in-process cache only: %v", err)
		} else {
			defer redisStore.Close()
			store = redisStore
			duplicates = cache.NewRedisDuplicateIndex(redisStore.Client(), cfg.DuplicateWindow)
			checks["redis"] = func(ctx context.Context) error { return redisStore.Client().Ping(ctx).Err() }
			log.Printf("Redis result cache connected")
		}
	}
	resultCache := cache.New(cfg.CacheConfig(), store, logger.With("component", "cache"))

	// Extraction pipeline
	pipelineConfig := cfg.PipelineConfig()
	pipelineConfig.Orchestrator = recognizer.NewOrchestrator(pool, logger.With("component", "recognizer"))
	pipelineConfig.Cache = resultCache
	pipelineConfig.Duplicates = duplicates
	pipelineConfig.Sink = sink
	pipelineConfig.Logger = logger.With("component", "pipeline")
	pipe, err := pipeline.New(pipelineConfig)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	// Storage manager (PostgreSQL + Qdrant), optional
	processorConfig := &processor.ProcessorConfig{
		Pipeline:     pipe,
		MaxImageSize: cfg.MaxImageSize,
	}
	var bank server.QuestionBank
	if cfg.DatabaseURL != "" {
		log.Printf("Connecting to storage (PostgreSQL + Qdrant)...")
		storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			log.Fatalf("Failed to initialize storage manager: %v", err)
		}
		defer func() {
			log.Printf("Closing storage manager...")
			if err := storageManager.Close(); err != nil {
				log.Printf("Error closing storage manager: %v", err)
			}
		}()
		processorConfig.Storage = storageManager
		bank = storageManager
		checks["postgres"] = storageManager.Ping
		log.Printf("Storage manager initialized")
	}

	proc, err := processor.NewQuestionProcessor(processorConfig)
	if err != nil {
		log.Fatalf("Failed to initialize question processor: %v", err)
	}

	// Queue consumer
	log.Printf("Connecting to Redis queue...")
	consumer, jobs, closeJobs, err := newQueue(cfg, proc)
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}
	if err := consumer.Start(ctx); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	// HTTP server
	srv, err := server.New(server.Config{
		Pipeline:     pipe,
		Jobs:         jobs,
		Bank:         bank,
		Gatherer:     registry,
		Checks:       checks,
		MaxImageSize: cfg.MaxImageSize,
		Logger:       logger.With("component", "http"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize HTTP server: %v", err)
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.PipelineTimeout + 30*time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Print startup summary
	log.Printf("===========================================")
	log.Printf("Question Extraction Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueMode)
	log.Printf("Job workers: %d", cfg.WorkerConcurrency)
	log.Printf("OCR workers: %d", pool.Size())
	log.Printf("Pipeline timeout: %v", cfg.PipelineTimeout)
	log.Printf("HTTP: :%d", cfg.HTTPPort)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout()+10*time.Second)
	defer cancel()

	log.Printf("Stopping HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error stopping HTTP server: %v", err)
	}

	if err := consumer.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}
	if closeJobs != nil {
		if err := closeJobs(); err != nil {
			log.Printf("Error closing job enqueuer: %v", err)
		}
	}

	stats := resultCache.Stats()
	log.Printf("Result cache: entries=%d hits=%d misses=%d evictions=%d",
		stats.Entries, stats.Hits, stats.Misses, stats.Evictions)
	log.Printf("Shutdown complete")
}

// newQueue builds the consumer selected by QUEUE_MODE together with the
// enqueuer used by the HTTP jobs endpoint
func newQueue(cfg *config.Config, proc processor.QuestionProcessorInterface) (queue.Worker, queue.JobEnqueuer, func() error, error) {
	switch cfg.QueueMode {
	case config.QueueModeList:
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.JobTimeout(),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return consumer, consumer, nil, nil

	default:
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.JobTimeout(),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		enqueuer, err := queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName)
		if err != nil {
			return nil, nil, nil, err
		}
		return consumer, enqueuer, enqueuer.Close, nil
	}
}
