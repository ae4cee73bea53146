/**
 * Queue Consumer for the Question Extraction Worker
 *
 * Consumes questions:extract tasks with Asynq and runs them through the
 * question processor. The Enqueuer submits tasks for the HTTP jobs endpoint.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/questionprocess-worker/internal/processor"
)

// Consumer handles job consumption from Redis queue
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *jobRunner
	config *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.QuestionProcessorInterface
	ProcessingTimeout time.Duration
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				log.Printf("Task processing error: type=%s, retry=%d/%d, error=%v",
					task.Type(), retried, maxRetry, err)
			}),
		},
	)

	consumer := &Consumer{
		server: server,
		mux:    asynq.NewServeMux(),
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout),
		config: cfg,
	}

	consumer.mux.HandleFunc(TaskTypeExtract, consumer.handleExtract)

	return consumer, nil
}

func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping queue consumer...")
	c.server.Shutdown()
	log.Printf("Queue consumer stopped")
	return nil
}

// handleExtract processes a question extraction task
func (c *Consumer) handleExtract(ctx context.Context, task *asynq.Task) error {
	var payload ExtractJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invalid job: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("[Job %s] Extracting questions: size=%d bytes, url=%q, persist=%v",
		payload.JobID, len(payload.ImageBuffer), payload.ImageURL, payload.Persist)

	result, err := c.runner.run(ctx, &payload)
	if err != nil {
		if permanent(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if w := task.ResultWriter(); w != nil {
		data, err := json.Marshal(result.Result)
		if err == nil {
			_, err = w.Write(data)
		}
		if err != nil {
			log.Printf("[Job %s] Warning: Failed to write task result: %v", payload.JobID, err)
		}
	}
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"mode":        "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

// Enqueuer submits extraction tasks
type Enqueuer struct {
	client    *asynq.Client
	queue     string
	maxRetry  int
	retention time.Duration
}

// NewEnqueuer creates an asynq client bound to queueName
func NewEnqueuer(redisURL, queueName string) (*Enqueuer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Enqueuer{
		client:    asynq.NewClient(redisOpt),
		queue:     queueName,
		maxRetry:  3,
		retention: 24 * time.Hour,
	}, nil
}

// NewExtractTask builds the asynq task for payload
func NewExtractTask(payload *ExtractJobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeExtract, data), nil
}

// Enqueue submits payload, assigning a job ID when absent. The job ID doubles
// as the task ID so resubmitting a job is rejected by asynq.
func (e *Enqueuer) Enqueue(ctx context.Context, payload *ExtractJobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	task, err := NewExtractTask(payload)
	if err != nil {
		return "", err
	}
	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(e.maxRetry),
		asynq.Retention(e.retention),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	log.Printf("[Job %s] Enqueued on %s", info.ID, info.Queue)
	return info.ID, nil
}

// Close closes the client
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
