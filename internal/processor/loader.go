package processor

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"
)

// Downloader fetches image URLs
type Downloader interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	maxDownloadRetries = 5
	initialBackoffMs   = 1000
	maxBackoffMs       = 32000
	downloadTimeout    = 2 * time.Minute
)

type imageLoader struct {
	client  Downloader
	maxSize int64
	backoff func(attempt int) time.Duration
}

func newImageLoader(client Downloader, maxSize int64) *imageLoader {
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}
	return &imageLoader{client: client, maxSize: maxSize, backoff: exponentialBackoff}
}

func exponentialBackoff(attempt int) time.Duration {
	backoffMs := initialBackoffMs * int(math.Pow(2, float64(attempt-1)))
	if backoffMs > maxBackoffMs {
		backoffMs = maxBackoffMs
	}
	return time.Duration(backoffMs) * time.Millisecond
}

// load returns the job buffer, or downloads ImageURL when no buffer is attached
func (l *imageLoader) load(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.ImageBuffer) > 0 {
		return req.ImageBuffer, nil
	}

	if req.ImageURL != "" {
		log.Printf("[Job %s] Downloading image from URL: %s", req.JobID, req.ImageURL)
		data, err := l.download(ctx, req.JobID, req.ImageURL)
		if err != nil {
			return nil, fmt.Errorf("failed to download image: %w", err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("no image source provided (buffer or URL)")
}

// download retries transport errors and 5xx responses with exponential backoff.
// 4xx responses and oversize bodies fail immediately.
func (l *imageLoader) download(ctx context.Context, jobID, url string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxDownloadRetries; attempt++ {
		data, retry, err := l.fetch(ctx, url)
		if err == nil {
			log.Printf("[Job %s] Download successful on attempt %d: %d bytes", jobID, attempt, len(data))
			return data, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		log.Printf("[Job %s] Download attempt %d/%d failed: %v", jobID, attempt, maxDownloadRetries, err)

		if attempt < maxDownloadRetries {
			select {
			case <-time.After(l.backoff(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download image after %d attempts: %w", maxDownloadRetries, lastErr)
}

func (l *imageLoader) fetch(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("invalid image URL: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode >= 500, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if l.maxSize > 0 && resp.ContentLength > l.maxSize {
		return nil, false, fmt.Errorf("image size exceeds maximum: %d > %d bytes", resp.ContentLength, l.maxSize)
	}

	// read one byte past the limit to detect oversize bodies without Content-Length
	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxSize+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > l.maxSize {
		return nil, false, fmt.Errorf("image size exceeds maximum of %d bytes", l.maxSize)
	}
	return data, false, nil
}
