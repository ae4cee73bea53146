/**
 * Tesseract engine
 *
 * Free, offline OCR through gosseract. Each worker owns one long-lived client
 * so tessdata is loaded once per worker instead of once per attempt.
 */

package recognizer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages      []string
	TessdataPrefix string
}

// TesseractEngine handles OCR using a dedicated gosseract client
type TesseractEngine struct {
	mu        sync.Mutex
	client    *gosseract.Client
	strategy  Strategy
	languages []string
}

// NewTesseractEngine creates an engine pre-configured for a strategy
func NewTesseractEngine(cfg TesseractConfig, strategy Strategy) (*TesseractEngine, error) {
	client := gosseract.NewClient()
	if cfg.TessdataPrefix != "" {
		client.TessdataPrefix = cfg.TessdataPrefix
	}
	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	if err := client.SetLanguage(languages...); err != nil {
		client.Close()
		return nil, fmt.Errorf("set languages: %w", err)
	}
	if err := client.SetPageSegMode(pageSegMode(strategy)); err != nil {
		client.Close()
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}

	return &TesseractEngine{client: client, strategy: strategy, languages: languages}, nil
}

// TesseractFactory returns an EngineFactory building Tesseract engines
func TesseractFactory(cfg TesseractConfig) EngineFactory {
	return func(strategy Strategy) (Engine, error) {
		engine, err := NewTesseractEngine(cfg, strategy)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
}

// Recognize performs OCR on one variant buffer. The underlying call is not
// preemptible; ctx is only checked before starting.
func (t *TesseractEngine) Recognize(ctx context.Context, img []byte, params Params) (*Recognition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.client.SetImageFromBytes(img); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}
	if params.Strategy != "" && params.Strategy != t.strategy {
		if err := t.client.SetPageSegMode(pageSegMode(params.Strategy)); err != nil {
			return nil, fmt.Errorf("set page segmentation mode: %w", err)
		}
		t.strategy = params.Strategy
	}
	if len(params.Languages) > 0 && strings.Join(params.Languages, "+") != strings.Join(t.languages, "+") {
		if err := t.client.SetLanguage(params.Languages...); err != nil {
			return nil, fmt.Errorf("set languages: %w", err)
		}
		t.languages = params.Languages
	}
	if err := t.client.SetWhitelist(params.Whitelist); err != nil {
		return nil, fmt.Errorf("set whitelist: %w", err)
	}
	if params.DPI > 0 {
		if err := t.client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(params.DPI)); err != nil {
			return nil, fmt.Errorf("set dpi: %w", err)
		}
	}

	text, err := t.client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	rec := &Recognition{Text: text}
	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err == nil {
		rec.Words = make([]Word, 0, len(boxes))
		for _, b := range boxes {
			if strings.TrimSpace(b.Word) == "" {
				continue
			}
			rec.Words = append(rec.Words, Word{Text: b.Word, Confidence: b.Confidence / 100.0, Box: b.Box})
		}
	}
	return rec, nil
}

// Close releases the Tesseract client
func (t *TesseractEngine) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client.Close()
}

func pageSegMode(strategy Strategy) gosseract.PageSegMode {
	switch strategy {
	case StrategySingleBlock:
		return gosseract.PSM_SINGLE_BLOCK
	case StrategySingleColumn:
		return gosseract.PSM_SINGLE_COLUMN
	case StrategySingleLine:
		return gosseract.PSM_SINGLE_LINE
	case StrategySparseText:
		return gosseract.PSM_SPARSE_TEXT
	default:
		return gosseract.PSM_AUTO
	}
}
