/**
 * Direct Redis Queue Consumer for the Question Extraction Worker
 *
 * Compatible with the TypeScript RedisQueue implementation.
 * Uses simple Redis LIST operations:
 *   <queue>             LIST of job IDs (LPUSH in, BRPOP out)
 *   <queue>:data        HASH jobID -> RedisJobData
 *   <queue>:processing  SET, :completed SET, :failed SET
 *   <queue>:results     HASH jobID -> PipelineResult, :errors HASH
 *   <queue>:events      PUBSUB channel
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/questionprocess-worker/internal/processor"
)

var errNoJobs = errors.New("no jobs available")

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	runner *jobRunner
	config *RedisConsumerConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.QuestionProcessorInterface
	ProcessingTimeout time.Duration
	MaxRetries        int
	PollTimeout       time.Duration
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisConsumerFromClient(client, cfg)
}

// NewRedisConsumerFromClient wraps an existing client; the consumer owns it afterwards
func NewRedisConsumerFromClient(client *redis.Client, cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = "questionprocess:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client: client,
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout),
		config: cfg,
		ctx:    consumerCtx,
		cancel: cancel,
	}, nil
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start(ctx context.Context) error {
	log.Printf("Starting Redis queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	log.Println("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer; in-flight jobs finish first
func (c *RedisConsumer) Stop(ctx context.Context) error {
	log.Println("Stopping queue consumer...")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("Queue consumer stop deadline reached with jobs in flight")
	}
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-c.ctx.Done():
			log.Printf("Worker %d stopping", id)
			return
		default:
			if err := c.processNextJob(c.ctx); err != nil {
				if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
					continue
				}
				log.Printf("Worker %d error: %v", id, err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob(ctx context.Context) error {
	result, err := c.client.BRPop(ctx, c.config.PollTimeout, c.config.QueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	// Status writes must survive Stop so a running job is never left "processing"
	statusCtx := context.WithoutCancel(ctx)

	jobData, err := c.client.HGet(statusCtx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(statusCtx, id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if err := job.Payload.Validate(); err != nil {
		c.markFailed(statusCtx, id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("invalid job %s: %w", id, err)
	}

	c.client.SAdd(statusCtx, c.key("processing"), job.Payload.JobID)
	c.publish(statusCtx, job.Payload.JobID, "processing")

	processResult, err := c.runner.run(statusCtx, &job.Payload)
	if err != nil {
		job.Attempts++
		maxRetries := job.MaxRetries
		if maxRetries <= 0 {
			maxRetries = c.config.MaxRetries
		}
		if job.Attempts < maxRetries && !permanent(err) {
			updatedData, _ := json.Marshal(job)
			c.client.HSet(statusCtx, c.key("data"), job.ID, updatedData)
			c.client.SRem(statusCtx, c.key("processing"), job.Payload.JobID)
			c.client.LPush(statusCtx, c.config.QueueName, job.ID)
			log.Printf("[Job %s] Re-queued for retry (attempt %d/%d)", job.Payload.JobID, job.Attempts, maxRetries)
			return nil
		}
		c.markFailed(statusCtx, job.Payload.JobID, map[string]interface{}{
			"error":    err.Error(),
			"attempts": job.Attempts,
		})
		return nil
	}

	c.markCompleted(statusCtx, job.Payload.JobID, processResult)
	return nil
}

func (c *RedisConsumer) markCompleted(ctx context.Context, jobID string, result *processor.ProcessResult) {
	c.client.SRem(ctx, c.key("processing"), jobID)
	c.client.SAdd(ctx, c.key("completed"), jobID)
	if resultData, err := json.Marshal(result.Result); err == nil {
		c.client.HSet(ctx, c.key("results"), jobID, resultData)
	}
	c.publish(ctx, jobID, "completed")
}

func (c *RedisConsumer) markFailed(ctx context.Context, jobID string, detail map[string]interface{}) {
	c.client.SRem(ctx, c.key("processing"), jobID)
	c.client.SAdd(ctx, c.key("failed"), jobID)
	if errorData, err := json.Marshal(detail); err == nil {
		c.client.HSet(ctx, c.key("errors"), jobID, errorData)
	}
	c.publish(ctx, jobID, "failed")
}

// publish emits a job event for WebSocket streaming
func (c *RedisConsumer) publish(ctx context.Context, jobID, status string) {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(ctx, c.key("events"), eventData)
}

// Enqueue writes a job the way the TypeScript RedisQueue does
func (c *RedisConsumer) Enqueue(ctx context.Context, payload *ExtractJobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeExtract,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: c.config.MaxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key("data"), job.ID, data)
	pipe.LPush(ctx, c.config.QueueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// Result returns the stored result of a completed job
func (c *RedisConsumer) Result(ctx context.Context, jobID string) ([]byte, bool, error) {
	data, err := c.client.HGet(ctx, c.key("results"), jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// GetStatistics returns queue statistics
func (c *RedisConsumer) GetStatistics() map[string]interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	waiting, _ := c.client.LLen(ctx, c.config.QueueName).Result()
	processing, _ := c.client.SCard(ctx, c.key("processing")).Result()
	completed, _ := c.client.SCard(ctx, c.key("completed")).Result()
	failed, _ := c.client.SCard(ctx, c.key("failed")).Result()

	return map[string]interface{}{
		"mode":        "list",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"waiting":     waiting,
		"processing":  processing,
		"completed":   completed,
		"failed":      failed,
	}
}
