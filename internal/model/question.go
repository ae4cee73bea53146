/**
 * Question model for the extraction pipeline
 *
 * A Question is a tagged variant: its Type decides which payload is populated.
 * MCQ carries Options, FIB carries Blanks, DESCRIPTIVE carries neither.
 */

package model

import (
	"fmt"
	"strings"
)

// QuestionType tags the payload shape of a Question
type QuestionType string

const (
	QuestionMCQ         QuestionType = "MCQ"
	QuestionFIB         QuestionType = "FIB"
	QuestionDescriptive QuestionType = "DESCRIPTIVE"
)

// Option is a single labelled MCQ choice
type Option struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Blank marks a fill-in position inside the question text
type Blank struct {
	Position    int    `json:"position"`
	Placeholder string `json:"placeholder"`
	Length      int    `json:"length"`
}

// Question is an extracted exam question
type Question struct {
	ID         int          `json:"id"`
	Type       QuestionType `json:"type"`
	Text       string       `json:"questionText"`
	Options    []Option     `json:"options,omitempty"`
	Blanks     []Blank      `json:"blanks,omitempty"`
	Confidence float64      `json:"confidence"`
	RawSource  string       `json:"rawSourceText"`
}

// ValidOptionLabels is the closed label set for MCQ options
const ValidOptionLabels = "ABCDE"

// Validate checks the tag/payload invariant
func (q *Question) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("question %d has empty text", q.ID)
	}
	if q.Confidence < 0 || q.Confidence > 1 {
		return fmt.Errorf("question %d confidence %.3f outside [0,1]", q.ID, q.Confidence)
	}

	switch q.Type {
	case QuestionMCQ:
		if len(q.Blanks) > 0 {
			return fmt.Errorf("MCQ question %d must not carry blanks", q.ID)
		}
		if len(q.Options) < 2 || len(q.Options) > 5 {
			return fmt.Errorf("MCQ question %d has %d options, want 2-5", q.ID, len(q.Options))
		}
		seen := make(map[string]bool, len(q.Options))
		for _, opt := range q.Options {
			if len(opt.Label) != 1 || !strings.Contains(ValidOptionLabels, opt.Label) {
				return fmt.Errorf("MCQ question %d has invalid label %q", q.ID, opt.Label)
			}
			if seen[opt.Label] {
				return fmt.Errorf("MCQ question %d has duplicate label %q", q.ID, opt.Label)
			}
			if strings.TrimSpace(opt.Text) == "" {
				return fmt.Errorf("MCQ question %d option %s is empty", q.ID, opt.Label)
			}
			seen[opt.Label] = true
		}
	case QuestionFIB:
		if len(q.Options) > 0 {
			return fmt.Errorf("FIB question %d must not carry options", q.ID)
		}
		if len(q.Blanks) == 0 {
			return fmt.Errorf("FIB question %d has no blanks", q.ID)
		}
	case QuestionDescriptive:
		if len(q.Options) > 0 || len(q.Blanks) > 0 {
			return fmt.Errorf("descriptive question %d must not carry options or blanks", q.ID)
		}
	default:
		return fmt.Errorf("question %d has unknown type %q", q.ID, q.Type)
	}

	return nil
}

// ExtractionError records a question block that failed validation
type ExtractionError struct {
	BlockIndex int    `json:"blockIndex"`
	Reason     string `json:"reason"`
}

func (e ExtractionError) Error() string {
	return fmt.Sprintf("block %d: %s", e.BlockIndex, e.Reason)
}
