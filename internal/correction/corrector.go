/**
 * Text Corrector
 *
 * Rule-based cleanup of recurring OCR error patterns on exam text. Every pass
 * is a pure rewrite; the pass list is repeated until the text stops changing.
 * Lines are never reordered, and question marks and option markers survive.
 */

package correction

import (
	"regexp"
	"strings"
	"unicode"
)

// MathMode controls math-symbol substitution
type MathMode int

const (
	// MathAuto substitutes only when the text already looks mathematical
	MathAuto MathMode = iota
	MathForce
	MathOff
)

// ParseMathMode maps a configuration string to a MathMode
func ParseMathMode(s string) MathMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "force", "on":
		return MathForce
	case "off":
		return MathOff
	default:
		return MathAuto
	}
}

// Corrector applies the ordered rewrite passes
type Corrector struct {
	Math      MathMode
	MaxPasses int
}

// NewCorrector returns a corrector in automatic math mode
func NewCorrector() *Corrector {
	return &Corrector{Math: MathAuto, MaxPasses: 3}
}

// Correct runs the default corrector
func Correct(text string) string {
	return NewCorrector().Correct(text)
}

// Correct rewrites text until a fixed point or MaxPasses is reached
func (c *Corrector) Correct(text string) string {
	passes := c.MaxPasses
	if passes <= 0 {
		passes = 3
	}
	out := text
	for i := 0; i < passes; i++ {
		next := c.pass(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func (c *Corrector) pass(text string) string {
	text = normalizeLineEndings(text)
	text = normalizePunctuation(text)
	text = normalizeWhitespace(text)
	text = removeNoiseLines(text)
	text = fixConfusions(text)
	text = normalizeLabels(text)
	if c.Math == MathForce || (c.Math == MathAuto && HasMathIndicators(text)) {
		text = substituteMath(text)
	}
	return normalizeWhitespace(text)
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

var punctuationReplacer = strings.NewReplacer(
	"\u201c", `"`, "\u201d", `"`, "\u201e", `"`, "\u00ab", `"`, "\u00bb", `"`,
	"\u2018", "'", "\u2019", "'", "\u201a", "'", "\u2032", "'",
	"\u2010", "-", "\u2011", "-", "\u2013", "-", "\u2014", "-", "\u2015", "-",
	"\u2026", "...",
	"\u00a0", " ", "\u2009", " ", "\u202f", " ", "\u200b", "",
	"\t", " ",
)

// normalizePunctuation folds typographic quotes, dashes and ellipses.
// U+2212 MINUS SIGN is left alone; it is math, not punctuation.
func normalizePunctuation(text string) string {
	return punctuationReplacer.Replace(text)
}

var (
	multiSpace      = regexp.MustCompile(` {2,}`)
	spaceBeforeQ    = regexp.MustCompile(` +\?`)
	extraBlankLines = regexp.MustCompile(`\n{3,}`)
)

func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = multiSpace.ReplaceAllString(line, " ")
		line = spaceBeforeQ.ReplaceAllString(line, "?")
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = extraBlankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

var noiseLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^page\s*\d+(\s*(of|/)\s*\d+)?$`),
	regexp.MustCompile(`^-\s*\d{1,3}\s*-$`),
	regexp.MustCompile(`^\d{1,3}\s*/\s*\d{1,3}$`),
	regexp.MustCompile(`(?i)^(name|roll\s*no\.?|roll\s*number|date|signature|invigilator|class|section)\s*:.*$`),
}

// optionMarkerLine matches lines that carry an option label
var optionMarkerLine = regexp.MustCompile(`(?:^|\s)\(?[A-Ea-e][).]`)

func removeNoiseLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isNoiseLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isNoiseLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.Contains(trimmed, "?") || optionMarkerLine.MatchString(trimmed) {
		return false
	}
	for _, p := range noiseLinePatterns {
		if p.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// confusions maps glyphs commonly misread inside lowercase words
var confusions = map[rune]rune{'0': 'o', '1': 'l', '5': 's'}

// fixConfusions replaces confused glyphs only in word-internal positions,
// judged on the original neighbours so numerals at word starts survive
func fixConfusions(text string) string {
	runes := []rune(text)
	out := make([]rune, len(runes))
	copy(out, runes)
	for i := 1; i+1 < len(runes); i++ {
		prev, cur, next := runes[i-1], runes[i], runes[i+1]
		if cur == '|' && unicode.IsLetter(prev) && unicode.IsLetter(next) {
			out[i] = 'l'
			continue
		}
		if repl, ok := confusions[cur]; ok && unicode.IsLower(prev) && unicode.IsLower(next) {
			out[i] = repl
		}
	}
	return string(out)
}

var (
	qLabel          = regexp.MustCompile(`(?m)^Q\s*\.?\s*(\d{1,3})\s*([.):])[ ]*`)
	parenOption     = regexp.MustCompile(`(?m)^\(([A-Ea-e])\)[ ]*`)
	lineOptionParen = regexp.MustCompile(`(?m)^([A-Ea-e])\)[ ]*`)
	lineOptionDot   = regexp.MustCompile(`(?m)^([A-E])\.([A-Z0-9(])`)
	inlineOption    = regexp.MustCompile(` ([A-Ea-e]\))(\S)`)
	numberedLabel   = regexp.MustCompile(`(?m)^(\d{1,3}[.)])([A-Za-z(])`)
)

// normalizeLabels gives question and option labels one canonical spacing
func normalizeLabels(text string) string {
	text = qLabel.ReplaceAllString(text, "Q$1$2 ")
	text = parenOption.ReplaceAllString(text, "$1) ")
	text = lineOptionParen.ReplaceAllString(text, "$1) ")
	text = lineOptionDot.ReplaceAllString(text, "$1. $2")
	text = inlineOption.ReplaceAllString(text, " $1 $2")
	return numberedLabel.ReplaceAllString(text, "$1 $2")
}

var (
	mathKeywords  = regexp.MustCompile(`(?i)\b(equation|formula|solve|simplify|evaluate|calculate|integral|derivative|sqrt|log|sin|cos|tan|theorem|inequality)\b`)
	mathOperators = regexp.MustCompile(`\d\s*[-+*/=^<>]\s*\d|[<>!]=|[≤≥≠×÷√±]|\+-|\+/-`)

	timesPattern = regexp.MustCompile(`(\d) [xX] (\d)`)
	sqrtPattern  = regexp.MustCompile(`(?i)\bsqrt\s*\(`)
)

// HasMathIndicators reports whether text already reads as math content
func HasMathIndicators(text string) bool {
	return mathKeywords.MatchString(text) || mathOperators.MatchString(text)
}

var mathReplacer = strings.NewReplacer(
	"=/=", "≠",
	"!=", "≠",
	"<=", "≤",
	">=", "≥",
	"+/-", "±",
	"+-", "±",
)

func substituteMath(text string) string {
	text = mathReplacer.Replace(text)
	text = sqrtPattern.ReplaceAllString(text, "√(")
	// "2 x 3 x 4" needs two rounds because matches share the middle digit
	for i := 0; i < 2; i++ {
		text = timesPattern.ReplaceAllString(text, "$1 × $2")
	}
	return text
}
