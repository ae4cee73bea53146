/**
 * Remote recognizer engine
 *
 * Delegates recognition to an HTTP vision OCR service speaking the
 * /api/internal/vision/extract-text contract. Each pool worker owns one
 * engine; the service sees the worker's segmentation strategy as a hint.
 */

package recognizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteConfig holds remote engine configuration
type RemoteConfig struct {
	BaseURL        string
	PreferAccuracy bool
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// VisionOCRRequest is the extract-text request body
type VisionOCRRequest struct {
	Image          string `json:"image"`  // Base64 encoded image
	Format         string `json:"format"` // always "base64"
	PreferAccuracy bool   `json:"preferAccuracy"`
	Language       string `json:"language,omitempty"`
	Strategy       string `json:"strategy,omitempty"`
	Whitelist      string `json:"whitelist,omitempty"`
	DPI            int    `json:"dpi,omitempty"`
}

// VisionOCRResponse is the extract-text response body
type VisionOCRResponse struct {
	Success bool          `json:"success"`
	Data    VisionOCRData `json:"data"`
	Message string        `json:"message"`
}

// VisionOCRData contains the extracted text and metadata
type VisionOCRData struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	ModelUsed  string          `json:"modelUsed"`
	Words      []VisionOCRWord `json:"words,omitempty"`
}

// VisionOCRWord is an optional word box; Box is [x0, y0, x1, y1]
type VisionOCRWord struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Box        [4]int  `json:"box"`
}

// RemoteEngine recognizes text through the vision OCR service
type RemoteEngine struct {
	endpoint       string
	httpClient     *http.Client
	strategy       Strategy
	preferAccuracy bool
}

// NewRemoteEngine creates an engine bound to one strategy
func NewRemoteEngine(cfg RemoteConfig, strategy Strategy) (*RemoteEngine, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote OCR base URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RemoteEngine{
		endpoint:       strings.TrimRight(cfg.BaseURL, "/") + "/api/internal/vision/extract-text",
		httpClient:     client,
		strategy:       strategy,
		preferAccuracy: cfg.PreferAccuracy,
	}, nil
}

// RemoteFactory returns an EngineFactory building remote engines
func RemoteFactory(cfg RemoteConfig) EngineFactory {
	return func(strategy Strategy) (Engine, error) {
		engine, err := NewRemoteEngine(cfg, strategy)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
}

// Recognize posts one variant buffer to the service
func (e *RemoteEngine) Recognize(ctx context.Context, img []byte, params Params) (*Recognition, error) {
	strategy := params.Strategy
	if strategy == "" {
		strategy = e.strategy
	}
	reqBody, err := json.Marshal(&VisionOCRRequest{
		Image:          base64.StdEncoding.EncodeToString(img),
		Format:         "base64",
		PreferAccuracy: e.preferAccuracy,
		Language:       strings.Join(params.Languages, "+"),
		Strategy:       string(strategy),
		Whitelist:      params.Whitelist,
		DPI:            params.DPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "questionprocess-worker")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to OCR service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCR service returned error status %d: %s", resp.StatusCode, string(body))
	}

	var ocrResp VisionOCRResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !ocrResp.Success {
		return nil, fmt.Errorf("OCR service operation failed: %s", ocrResp.Message)
	}

	rec := &Recognition{Text: ocrResp.Data.Text, Reported: percentToUnit(ocrResp.Data.Confidence)}
	for _, w := range ocrResp.Data.Words {
		rec.Words = append(rec.Words, Word{
			Text:       w.Text,
			Confidence: percentToUnit(w.Confidence),
			Box:        image.Rect(w.Box[0], w.Box[1], w.Box[2], w.Box[3]),
		})
	}
	return rec, nil
}

// Close is a no-op; the HTTP client is shared
func (e *RemoteEngine) Close() error {
	return nil
}

// percentToUnit accepts confidences reported either in [0,1] or [0,100]
func percentToUnit(c float64) float64 {
	if c > 1 {
		c /= 100
	}
	return clamp01(c)
}
