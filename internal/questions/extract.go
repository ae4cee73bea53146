package questions

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

// singleSpace joins lines and collapses whitespace
func singleSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ExtractMCQ splits a block into stem and options. The first occurrence of a
// label wins; later duplicates are ignored.
func ExtractMCQ(b Block) (model.Question, error) {
	q := model.Question{Type: model.QuestionMCQ, RawSource: b.Raw}
	markers := findOptionMarkers(b.Text)
	if len(markers) == 0 {
		return q, fmt.Errorf("no option markers")
	}

	q.Text = singleSpace(b.Text[:markers[0].start])
	seen := map[string]bool{}
	for i, m := range markers {
		end := len(b.Text)
		if i+1 < len(markers) {
			end = markers[i+1].start
		}
		if seen[m.label] {
			continue
		}
		seen[m.label] = true
		text := singleSpace(b.Text[m.end:end])
		if text == "" {
			continue
		}
		q.Options = append(q.Options, model.Option{Label: m.label, Text: text})
	}
	return q, ValidateMCQ(q)
}

// ValidateMCQ rejects blocks that do not carry 2-5 labelled options
func ValidateMCQ(q model.Question) error {
	if q.Text == "" {
		return fmt.Errorf("MCQ block has no question text before its options")
	}
	if len(q.Options) < 2 {
		return fmt.Errorf("MCQ block has %d usable options, need at least 2", len(q.Options))
	}
	if len(q.Options) > 5 {
		return fmt.Errorf("MCQ block has %d options, at most 5 allowed", len(q.Options))
	}
	return nil
}

// ExtractFIB records blanks as rune offsets into the single-spaced text.
// A block without blanks is reclassified as descriptive.
func ExtractFIB(b Block) (q model.Question, reclassified bool) {
	text := singleSpace(b.Text)
	q = model.Question{Type: model.QuestionFIB, Text: text, RawSource: b.Raw}
	for _, m := range blankMarker.FindAllStringIndex(text, -1) {
		placeholder := text[m[0]:m[1]]
		q.Blanks = append(q.Blanks, model.Blank{
			Position:    utf8.RuneCountInString(text[:m[0]]),
			Placeholder: placeholder,
			Length:      utf8.RuneCountInString(placeholder),
		})
	}
	if len(q.Blanks) == 0 {
		q.Type = model.QuestionDescriptive
		return q, true
	}
	return q, false
}

// ExtractDescriptive keeps the single-spaced block text
func ExtractDescriptive(b Block) model.Question {
	return model.Question{Type: model.QuestionDescriptive, Text: singleSpace(b.Text), RawSource: b.Raw}
}
