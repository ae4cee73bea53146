/**
 * Recognizer engine abstraction
 *
 * The OCR engine is a black box: an image buffer and a parameter set in, a
 * transcript with per-word confidences and word boxes out.
 */

package recognizer

import (
	"context"
	"image"
	"strings"
)

// Strategy is a page segmentation strategy a worker is tuned for
type Strategy string

const (
	StrategyAuto         Strategy = "auto"
	StrategySingleBlock  Strategy = "single_block"
	StrategySingleColumn Strategy = "single_column"
	StrategySingleLine   Strategy = "single_line"
	StrategySparseText   Strategy = "sparse_text"
)

// DefaultStrategies diversifies workers rather than duplicating them
var DefaultStrategies = []Strategy{StrategySingleBlock, StrategyAuto, StrategySingleColumn}

// ParseStrategy maps a configuration string to a Strategy
func ParseStrategy(s string) (Strategy, bool) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyAuto, StrategySingleBlock, StrategySingleColumn, StrategySingleLine, StrategySparseText:
		return st, true
	}
	return "", false
}

// Params is the per-call parameter set
type Params struct {
	Strategy  Strategy
	Languages []string
	Whitelist string
	DPI       int
}

// Word is one recognized word with a confidence in [0,1]
type Word struct {
	Text       string
	Confidence float64
	Box        image.Rectangle
}

// Recognition is the raw engine output
type Recognition struct {
	Text  string
	Words []Word
	// Reported is an engine-level confidence in [0,1] for engines without word output
	Reported float64
}

// Engine performs recognition. Implementations need not be goroutine safe;
// the pool guarantees one call at a time per engine.
type Engine interface {
	Recognize(ctx context.Context, img []byte, params Params) (*Recognition, error)
	Close() error
}

// EngineFactory builds the engine owned by one worker
type EngineFactory func(strategy Strategy) (Engine, error)

// Confidence is the mean word confidence. Without words it falls back to the
// engine-reported confidence, then to a text heuristic.
func (r *Recognition) Confidence() float64 {
	if r == nil || strings.TrimSpace(r.Text) == "" {
		return 0
	}
	if len(r.Words) == 0 {
		if r.Reported > 0 {
			return clamp01(r.Reported)
		}
		return HeuristicConfidence(r.Text)
	}
	var sum float64
	for _, w := range r.Words {
		sum += clamp01(w.Confidence)
	}
	return sum / float64(len(r.Words))
}

// HeuristicConfidence estimates confidence based on text quality
func HeuristicConfidence(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	confidence := 0.5 // Base confidence

	// Exam pages are short, so length bonuses start low
	if len(trimmed) > 100 {
		confidence += 0.1
	}
	if len(trimmed) > 1000 {
		confidence += 0.05
	}

	words := strings.Fields(trimmed)
	if len(words) > 20 {
		confidence += 0.05
	}

	// Check for reasonable character distribution
	alphaCount := 0
	total := 0
	for _, r := range trimmed {
		total++
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			alphaCount++
		}
	}
	alphaRatio := float64(alphaCount) / float64(total)
	if alphaRatio > 0.5 && alphaRatio < 0.9 {
		confidence += 0.1
	} else if alphaRatio < 0.2 {
		confidence -= 0.2
	}

	// Cap at reasonable maximum without word-level evidence
	if confidence > 0.85 {
		confidence = 0.85
	}
	return clamp01(confidence)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
