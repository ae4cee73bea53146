package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/adverant/nexus/questionprocess-worker/internal/errors"
	"github.com/adverant/nexus/questionprocess-worker/internal/processor"
)

// DefaultProcessingTimeout bounds one job when none is configured
const DefaultProcessingTimeout = 2 * time.Minute

// jobRunner is the job lifecycle shared by both consumers
type jobRunner struct {
	processor processor.QuestionProcessorInterface
	timeout   time.Duration
}

func newJobRunner(p processor.QuestionProcessorInterface, timeout time.Duration) *jobRunner {
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}
	return &jobRunner{processor: p, timeout: timeout}
}

// run processes one job and records its status. statusCtx outlives the
// processing deadline so failures can still be written.
func (r *jobRunner) run(statusCtx context.Context, payload *ExtractJobPayload) (*processor.ProcessResult, error) {
	startTime := time.Now()
	jobID := payload.JobID

	if err := r.processor.UpdateJobStatus(statusCtx, jobID, "processing", 0, map[string]interface{}{
		"subject":   payload.Options.Subject,
		"mimeType":  payload.MimeType,
		"imageSize": payload.ImageSize,
	}); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", jobID, err)
	}

	log.Printf("[Job %s] Processing timeout set to: %v", jobID, r.timeout)

	processCtx, cancel := context.WithTimeout(statusCtx, r.timeout)
	defer cancel()

	result, err := r.processor.ProcessImage(processCtx, payload.request())
	duration := time.Since(startTime)

	if err != nil {
		if errors.Is(processCtx.Err(), context.DeadlineExceeded) && !apperrors.Is(err, apperrors.ErrorProcessingTimeout) {
			err = apperrors.NewProcessingTimeoutError(jobID, r.timeout, err)
		}
		if apperrors.Is(err, apperrors.ErrorProcessingTimeout) {
			log.Printf("[Job %s] Processing timed out after %v (timeout: %v)", jobID, duration, r.timeout)
		} else {
			log.Printf("[Job %s] Processing failed after %v: %v", jobID, duration, err)
		}

		if updateErr := r.processor.UpdateJobStatus(statusCtx, jobID, "failed", 100, processor.FailureMetadata(err, duration)); updateErr != nil {
			log.Printf("[Job %s] Warning: Failed to update status to failed: %v", jobID, updateErr)
		}
		return nil, fmt.Errorf("question extraction failed: %w", err)
	}

	log.Printf("[Job %s] Processing completed in %v: questions=%d, confidence=%.2f, variant=%s, cached=%v",
		jobID, duration, result.QuestionCount, result.Result.Confidence,
		result.Result.ProcessingInfo.ChosenVariant, result.Result.ProcessingInfo.FromCache)

	if err := r.processor.UpdateJobStatus(statusCtx, jobID, "completed", 100, processor.CompletionMetadata(result)); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to completed: %v", jobID, err)
	}

	return result, nil
}

// permanent reports failures that a retry cannot fix
func permanent(err error) bool {
	return apperrors.Is(err, apperrors.ErrorInvalidImage)
}

// Worker is a running queue consumer
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetStatistics() map[string]interface{}
}

// JobEnqueuer submits extraction jobs and returns the job ID
type JobEnqueuer interface {
	Enqueue(ctx context.Context, payload *ExtractJobPayload) (string, error)
}

var (
	_ Worker      = (*Consumer)(nil)
	_ Worker      = (*RedisConsumer)(nil)
	_ JobEnqueuer = (*Enqueuer)(nil)
	_ JobEnqueuer = (*RedisConsumer)(nil)
)
