package questions

import (
	"regexp"
	"sort"
	"strings"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

var (
	// "a) x", "(b) x", "C. x" at a line start
	lineOption = regexp.MustCompile(`(?m)^[ \t]*\(?([A-Ea-e])[).][ \t]*`)
	// "B x" at a line start; never on the stem line
	bareOption = regexp.MustCompile(`(?m)^[ \t]*([A-E])[ \t]+`)
	// "... a) x b) y" inside a line
	inlineOption = regexp.MustCompile(`[ \t]\(?([A-Ea-e])\)[ \t]*`)

	blankMarker = regexp.MustCompile(`_{3,}|\(\s*\)|\[\s*\]|\.{3,}`)
)

// marker is one option label occurrence
type marker struct {
	start, end int
	label      string
}

// findOptionMarkers returns non-overlapping option markers in text order
func findOptionMarkers(text string) []marker {
	var all []marker
	for _, m := range lineOption.FindAllStringSubmatchIndex(text, -1) {
		all = append(all, marker{start: m[0], end: m[1], label: strings.ToUpper(text[m[2]:m[3]])})
	}
	firstLineEnd := strings.IndexByte(text, '\n')
	if firstLineEnd >= 0 {
		for _, m := range bareOption.FindAllStringSubmatchIndex(text, -1) {
			if m[0] > firstLineEnd {
				all = append(all, marker{start: m[0], end: m[1], label: text[m[2]:m[3]]})
			}
		}
	}
	for _, m := range inlineOption.FindAllStringSubmatchIndex(text, -1) {
		all = append(all, marker{start: m[0], end: m[1], label: strings.ToUpper(text[m[2]:m[3]])})
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].start < all[j].start })
	var out []marker
	for _, m := range all {
		if len(out) > 0 && m.start < out[len(out)-1].end {
			continue
		}
		out = append(out, m)
	}
	return out
}

func distinctLabels(markers []marker) int {
	seen := map[string]bool{}
	for _, m := range markers {
		seen[m.label] = true
	}
	return len(seen)
}

// Classify decides the question type of a block. MCQ needs at least two
// distinct option labels; FIB needs a blank marker.
func Classify(b Block) model.QuestionType {
	if distinctLabels(findOptionMarkers(b.Text)) >= 2 {
		return model.QuestionMCQ
	}
	if blankMarker.MatchString(b.Text) {
		return model.QuestionFIB
	}
	return model.QuestionDescriptive
}
