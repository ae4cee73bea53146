package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the question extraction worker
 *
 * Run-level failures carry a machine-readable code and a human-readable message.
 * Stage-local failures are recorded on the result instead of being returned.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Run-level pipeline errors
	ErrorInvalidImage      ErrorCode = "INVALID_IMAGE"
	ErrorNoUsableResult    ErrorCode = "NO_USABLE_RESULT"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorCancelled         ErrorCode = "CANCELLED"

	// Stage-local errors
	ErrorExtraction ErrorCode = "EXTRACTION_ERROR"
	ErrorOCRFailed  ErrorCode = "OCR_FAILED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"

	ErrorUnknown ErrorCode = "UNKNOWN"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewInvalidImageError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidImage,
		Message:   "Image buffer could not be decoded",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewNoUsableResultError(jobID string, attempts int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNoUsableResult,
		Message:   fmt.Sprintf("No usable recognition result among %d attempts", attempts),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"attempts": attempts,
		},
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewCancelledError(jobID string, stage string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorCancelled,
		Message:   fmt.Sprintf("Processing cancelled before stage: %s", stage),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"stage": stage,
		},
		Cause: cause,
	}
}

func NewOCRFailedError(jobID string, variant string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed for variant: %s", variant),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"variant": variant,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// CodeOf returns the code of the first ProcessingError in err's chain
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrorUnknown
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
