/**
 * Question Structure Extractor
 *
 * Scan -> Block-Split -> Classify -> Extract-Fields -> Validate -> Dedupe.
 * Every split strategy is run; the one yielding the most valid questions
 * wins. A block that fails validation is dropped and reported, never fatal.
 */

package questions

import (
	"strings"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

// Hints are caller supplied expectations
type Hints struct {
	ExpectedQuestionCount int
}

// Extraction is the outcome of one extractor run
type Extraction struct {
	Questions []model.Question
	Errors    []model.ExtractionError
	Strategy  string
}

// Extractor turns corrected text into typed questions
type Extractor struct {
	strategies      []Strategy
	dedupeThreshold float64
}

// NewExtractor creates an extractor with the default strategies
func NewExtractor(dedupeThreshold float64) *Extractor {
	if dedupeThreshold <= 0 || dedupeThreshold > 1 {
		dedupeThreshold = DefaultDedupeThreshold
	}
	return &Extractor{strategies: Strategies(), dedupeThreshold: dedupeThreshold}
}

// Extract runs every strategy and keeps the best. Ties prefer the result
// matching the expected count, then strategy preference order.
func (e *Extractor) Extract(text string, hints Hints) *Extraction {
	best := &Extraction{Strategy: ""}
	bestIdx := -1
	for i, s := range e.strategies {
		blocks := s.Split(text)
		if len(blocks) == 0 {
			continue
		}
		candidate := e.process(blocks)
		candidate.Strategy = s.Name
		if bestIdx < 0 || e.preferred(candidate, best, hints) {
			best, bestIdx = candidate, i
		}
	}
	for i := range best.Questions {
		best.Questions[i].ID = i + 1
	}
	return best
}

func (e *Extractor) preferred(a, b *Extraction, hints Hints) bool {
	if len(a.Questions) != len(b.Questions) {
		return len(a.Questions) > len(b.Questions)
	}
	if hints.ExpectedQuestionCount > 0 {
		aMatch := len(a.Questions) == hints.ExpectedQuestionCount
		bMatch := len(b.Questions) == hints.ExpectedQuestionCount
		if aMatch != bMatch {
			return aMatch
		}
	}
	// earlier strategies win remaining ties
	return false
}

func (e *Extractor) process(blocks []Block) *Extraction {
	out := &Extraction{}
	var questions []model.Question
	for _, b := range blocks {
		q, err := ExtractBlock(b)
		if err != nil {
			out.Errors = append(out.Errors, model.ExtractionError{BlockIndex: b.Index, Reason: err.Error()})
			continue
		}
		questions = append(questions, q)
	}
	out.Questions = Dedupe(questions, e.dedupeThreshold)
	return out
}

// ExtractBlock classifies one block, extracts its fields and validates it
func ExtractBlock(b Block) (model.Question, error) {
	var q model.Question
	reclassified := false

	switch Classify(b) {
	case model.QuestionMCQ:
		var err error
		if q, err = ExtractMCQ(b); err != nil {
			return q, err
		}
	case model.QuestionFIB:
		q, reclassified = ExtractFIB(b)
	default:
		q = ExtractDescriptive(b)
	}

	q.Text = strings.TrimSpace(q.Text)
	q.Confidence = Score(q, reclassified)
	if err := q.Validate(); err != nil {
		return q, err
	}
	return q, nil
}

// Extract runs a default extractor
func Extract(text string, hints Hints) *Extraction {
	return NewExtractor(DefaultDedupeThreshold).Extract(text, hints)
}
