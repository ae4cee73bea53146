package fusion

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

// Score weights. Positive weights sum to 1; the noise penalty is subtracted.
const (
	WeightConfidence = 0.45
	WeightLength     = 0.25
	WeightStructure  = 0.30

	NoiseAllowance = 0.10
	NoiseSlope     = 0.5

	MinPlausibleWords = 5
	MaxPlausibleWords = 500
)

var (
	optionMarkerPattern   = regexp.MustCompile(`(?m)(?:^|\s)\(?[A-Ea-e][).]\s`)
	numberedMarkerPattern = regexp.MustCompile(`(?m)^\s*(?:Q\.?\s*)?\d{1,3}[.):]`)
	questionWordPattern   = regexp.MustCompile(`(?i)\b(what|which|who|whom|whose|why|how|when|where|define|explain|describe|calculate|find|state|name|choose|fill|identify|list)\b`)
)

// Score computes the fusion score of one attempt. It depends only on the
// attempt's confidence and text so it can be recomputed for auditing.
func Score(a model.Attempt) (float64, model.ScoreComponents) {
	c := model.ScoreComponents{
		Confidence:   clamp01(a.Confidence),
		Length:       LengthScore(a.Text),
		Structure:    StructureScore(a.Text),
		NoisePenalty: NoisePenalty(a.Text),
	}
	score := WeightConfidence*c.Confidence + WeightLength*c.Length + WeightStructure*c.Structure - c.NoisePenalty
	return clamp01(score), c
}

// LengthScore is 1 inside the plausible word band and decays outside it
func LengthScore(text string) float64 {
	words := len(strings.Fields(text))
	switch {
	case words == 0:
		return 0
	case words < MinPlausibleWords:
		return float64(words) / MinPlausibleWords
	case words <= MaxPlausibleWords:
		return 1
	default:
		return math.Max(0, 1-float64(words-MaxPlausibleWords)/MaxPlausibleWords)
	}
}

// StructureScore rewards question punctuation, option markers, numbering and
// question vocabulary
func StructureScore(text string) float64 {
	var s float64
	if strings.Contains(text, "?") {
		s += 0.35
	}
	switch n := len(optionMarkerPattern.FindAllStringIndex(text, -1)); {
	case n >= 2:
		s += 0.35
	case n == 1:
		s += 0.15
	}
	if questionWordPattern.MatchString(text) {
		s += 0.2
	}
	if numberedMarkerPattern.MatchString(text) {
		s += 0.1
	}
	return math.Min(1, s)
}

// NoiseRatio is the share of non-space runes that are neither alphanumeric
// nor expected exam punctuation
func NoiseRatio(text string) float64 {
	total, noise := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(allowedPunctuation, r) {
			continue
		}
		noise++
	}
	if total == 0 {
		return 0
	}
	return float64(noise) / float64(total)
}

const allowedPunctuation = ".,?!;:'\"()[]-+=/%_×÷≤≥≠√±<>*^"

// NoisePenalty is proportional to the noise ratio above the allowance
func NoisePenalty(text string) float64 {
	return NoiseSlope * math.Max(0, NoiseRatio(text)-NoiseAllowance)
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
