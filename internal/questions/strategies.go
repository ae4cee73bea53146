package questions

import (
	"regexp"
	"strings"
)

// Block is one candidate question region of the corrected text
type Block struct {
	Index int
	// Label is the question number as written, if any
	Label string
	Text  string
	// Raw keeps the label for auditing
	Raw string
}

// SplitFunc splits text into blocks. A nil result means the strategy found
// none of its markers.
type SplitFunc func(text string) []Block

// Strategy is a named block splitter
type Strategy struct {
	Name  string
	Split SplitFunc
}

// Strategy names in preference order
const (
	StrategyNumbered   = "numbered"
	StrategyQMarkers   = "q_markers"
	StrategyParagraphs = "paragraphs"
)

// Strategies returns the splitters in preference order
func Strategies() []Strategy {
	return []Strategy{
		{Name: StrategyNumbered, Split: SplitNumbered},
		{Name: StrategyQMarkers, Split: SplitQMarkers},
		{Name: StrategyParagraphs, Split: SplitParagraphs},
	}
}

var (
	numberedMarker = regexp.MustCompile(`^\s*(\d{1,3})[.)]\s+`)
	qMarker        = regexp.MustCompile(`^\s*Q\.?\s*(\d{1,3})[.):]?\s*`)
	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)
)

// SplitNumbered starts a block at every line beginning "12." or "12)"
func SplitNumbered(text string) []Block {
	return splitByLineMarker(text, numberedMarker)
}

// SplitQMarkers starts a block at every line beginning "Q12", "Q.12" or "Q12."
func SplitQMarkers(text string) []Block {
	return splitByLineMarker(text, qMarker)
}

// SplitParagraphs treats blank-line separated paragraphs as blocks
func SplitParagraphs(text string) []Block {
	var blocks []Block
	for _, para := range paragraphBreak.Split(text, -1) {
		trimmed := strings.TrimSpace(para)
		if !hasContent(trimmed) {
			continue
		}
		label, body := stripLabel(trimmed)
		blocks = append(blocks, Block{Index: len(blocks), Label: label, Text: body, Raw: trimmed})
	}
	return blocks
}

// splitByLineMarker groups lines under the most recent marker line. Text
// before the first marker is a preamble and is discarded.
func splitByLineMarker(text string, marker *regexp.Regexp) []Block {
	var blocks []Block
	var label string
	var body, raw []string
	open := false

	flush := func() {
		if !open {
			return
		}
		b := strings.TrimSpace(strings.Join(body, "\n"))
		if hasContent(b) {
			blocks = append(blocks, Block{
				Index: len(blocks),
				Label: label,
				Text:  b,
				Raw:   strings.TrimSpace(strings.Join(raw, "\n")),
			})
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if m := marker.FindStringSubmatchIndex(line); m != nil {
			flush()
			open = true
			label = line[m[2]:m[3]]
			body = []string{line[m[1]:]}
			raw = []string{line}
			continue
		}
		if open {
			body = append(body, line)
			raw = append(raw, line)
		}
	}
	flush()
	return blocks
}

var leadingLabel = regexp.MustCompile(`^\s*(?:Q\.?\s*)?(\d{1,3})[.):]\s*`)

// stripLabel removes a leading question number from a paragraph
func stripLabel(text string) (string, string) {
	if m := leadingLabel.FindStringSubmatchIndex(text); m != nil {
		return text[m[2]:m[3]], strings.TrimSpace(text[m[1]:])
	}
	return "", text
}

// minBlockRunes is the smallest block worth classifying
const minBlockRunes = 3

func hasContent(s string) bool {
	n := 0
	for _, r := range s {
		if r != ' ' && r != '\n' && r != '\t' {
			n++
			if n >= minBlockRunes {
				return true
			}
		}
	}
	return false
}
