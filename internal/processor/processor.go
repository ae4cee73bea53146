/**
 * Question Processor for the Question Extraction Worker
 *
 * Job-level wrapper around the extraction pipeline:
 * - loads the image from the job buffer or a URL
 * - runs the pipeline under the job's processing timeout
 * - persists finalized questions when storage is configured
 * - maps results and failures onto job status updates
 */

package processor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adverant/nexus/questionprocess-worker/internal/cache"
	apperrors "github.com/adverant/nexus/questionprocess-worker/internal/errors"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
	"github.com/adverant/nexus/questionprocess-worker/internal/storage"
)

// QuestionProcessorInterface is what queue consumers drive
type QuestionProcessorInterface interface {
	ProcessImage(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// Extractor runs the extraction pipeline
type Extractor interface {
	Extract(ctx context.Context, image []byte, opts model.Options) (*model.PipelineResult, error)
}

// Store persists finalized results
type Store interface {
	StoreExtraction(ctx context.Context, input *storage.StoreInput) (*storage.StoredExtraction, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Pipeline     Extractor
	Storage      Store // optional
	MaxImageSize int64
	HTTPClient   Downloader
}

// ProcessRequest represents one extraction job
type ProcessRequest struct {
	JobID       string
	MimeType    string
	ImageSize   int64
	ImageURL    string
	ImageBuffer []byte
	Options     model.Options
	Persist     bool
}

// ProcessResult represents the processing result
type ProcessResult struct {
	RunID            string
	Result           *model.PipelineResult
	QuestionCount    int
	Persisted        bool
	ProcessingTimeMs int64
}

// QuestionProcessor handles extraction jobs
type QuestionProcessor struct {
	config   *ProcessorConfig
	pipeline Extractor
	storage  Store
	loader   *imageLoader
}

// NewQuestionProcessor creates a new question processor
func NewQuestionProcessor(cfg *ProcessorConfig) (*QuestionProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}

	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = 20 * 1024 * 1024
	}

	if cfg.Storage == nil {
		log.Printf("WARNING: No storage configured, extraction results will not be persisted")
	}

	return &QuestionProcessor{
		config:   cfg,
		pipeline: cfg.Pipeline,
		storage:  cfg.Storage,
		loader:   newImageLoader(cfg.HTTPClient, cfg.MaxImageSize),
	}, nil
}

// ProcessImage runs one extraction job
func (p *QuestionProcessor) ProcessImage(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()
	if req.Options.RequestID == "" {
		req.Options.RequestID = req.JobID
	}

	image, err := p.loader.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if int64(len(image)) > p.config.MaxImageSize {
		return nil, apperrors.NewInvalidImageError(req.JobID,
			fmt.Errorf("image size %d exceeds maximum %d bytes", len(image), p.config.MaxImageSize))
	}

	log.Printf("[Job %s] Extracting questions (%d bytes, subject=%q, expected=%d)",
		req.JobID, len(image), req.Options.Subject, req.Options.ExpectedQuestionCount)

	result, err := p.pipeline.Extract(ctx, image, req.Options)
	if err != nil {
		return nil, err
	}

	out := &ProcessResult{
		Result:        result,
		QuestionCount: len(result.Questions),
	}

	if req.Persist && p.storage != nil && len(result.Questions) > 0 {
		stored, err := p.storage.StoreExtraction(ctx, &storage.StoreInput{
			JobID:     req.JobID,
			ImageHash: cache.ImageHash(image),
			Result:    result,
		})
		if err != nil {
			return nil, apperrors.NewStorageFailedError(req.JobID, err)
		}
		out.RunID = stored.RunID
		out.Persisted = true
		log.Printf("[Job %s] Stored run %s with %d questions", req.JobID, stored.RunID, len(stored.QuestionIDs))
	}

	out.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	return out, nil
}

// UpdateJobStatus updates job status in the database; without storage it is a no-op
func (p *QuestionProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	if p.storage == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if confidence, ok := metadata["confidence"].(float64); ok {
			update.Confidence = confidence
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if runID, ok := metadata["runId"].(string); ok {
			update.RunID = runID
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			if update.ErrorCode == "" {
				update.ErrorCode = string(apperrors.ErrorUnknown)
			}
			update.ErrorMessage = errorMsg
		} else if msg, ok := metadata["message"].(string); ok && update.ErrorCode != "" {
			update.ErrorMessage = msg
		}
	}

	return p.storage.UpdateJobStatus(ctx, update)
}

// CompletionMetadata is the job-status payload for a finished job
func CompletionMetadata(res *ProcessResult) map[string]interface{} {
	info := res.Result.ProcessingInfo
	return map[string]interface{}{
		"confidence":     res.Result.Confidence,
		"processingTime": res.ProcessingTimeMs,
		"runId":          res.RunID,
		"questionCount":  res.QuestionCount,
		"chosenVariant":  info.ChosenVariant,
		"fromCache":      info.FromCache,
		"lowConfidence":  info.LowConfidence,
		"timedOut":       info.TimedOut,
		"blockErrors":    len(res.Result.Errors),
	}
}

// FailureMetadata is the job-status payload for a failed job
func FailureMetadata(err error, duration time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"error":          err.Error(),
		"error_code":     string(apperrors.CodeOf(err)),
		"processingTime": duration.Milliseconds(),
	}
}
