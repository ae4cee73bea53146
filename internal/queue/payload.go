package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
	"github.com/adverant/nexus/questionprocess-worker/internal/processor"
)

// TaskTypeExtract is the asynq task type for question extraction jobs
const TaskTypeExtract = "questions:extract"

// ExtractJobPayload is the job body shared by the asynq and list queues.
// imageBuffer is written as base64; the Node.js Buffer object form is also
// accepted on read.
type ExtractJobPayload struct {
	JobID       string        `json:"jobId"`
	MimeType    string        `json:"mimeType,omitempty"`
	ImageSize   int64         `json:"imageSize,omitempty"`
	ImageURL    string        `json:"imageUrl,omitempty"`
	ImageBuffer []byte        `json:"imageBuffer,omitempty"`
	Options     model.Options `json:"options"`
	Persist     bool          `json:"persist"`
}

// UnmarshalJSON supports both base64 string format and Node.js Buffer object format
func (p *ExtractJobPayload) UnmarshalJSON(data []byte) error {
	// Create alias type to avoid recursion
	type Alias ExtractJobPayload
	aux := &struct {
		ImageBuffer interface{} `json:"imageBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal ExtractJobPayload: %w", err)
	}

	if aux.ImageBuffer == nil {
		return nil
	}

	switch v := aux.ImageBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		p.ImageBuffer = decoded

	case map[string]interface{}:
		bufferType, ok := v["type"].(string)
		if !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.ImageBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.ImageBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("imageBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// Validate checks the payload before any work is done
func (p *ExtractJobPayload) Validate() error {
	if _, err := uuid.Parse(p.JobID); err != nil {
		return fmt.Errorf("jobId must be a UUID: %w", err)
	}
	if len(p.ImageBuffer) == 0 && p.ImageURL == "" {
		return fmt.Errorf("job %s has neither imageBuffer nor imageUrl", p.JobID)
	}
	if p.Options.ExpectedQuestionCount < 0 {
		return fmt.Errorf("expectedQuestionCount must not be negative")
	}
	return nil
}

func (p *ExtractJobPayload) request() *processor.ProcessRequest {
	size := p.ImageSize
	if size == 0 {
		size = int64(len(p.ImageBuffer))
	}
	return &processor.ProcessRequest{
		JobID:       p.JobID,
		MimeType:    p.MimeType,
		ImageSize:   size,
		ImageURL:    p.ImageURL,
		ImageBuffer: p.ImageBuffer,
		Options:     p.Options,
		Persist:     p.Persist,
	}
}

// RedisJobData is the job envelope of the list queue, matching the Node.js RedisQueue
type RedisJobData struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Payload    ExtractJobPayload `json:"payload"`
	CreatedAt  time.Time         `json:"createdAt"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"maxRetries"`
}
