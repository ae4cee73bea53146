/**
 * Result Fusion
 *
 * Picks the single best recognition attempt by weighted score. Near-identical
 * attempts corroborate each other's confidence, but the fused text always
 * comes from exactly one attempt.
 */

package fusion

import (
	"errors"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
	"github.com/adverant/nexus/questionprocess-worker/internal/textsim"
)

// ErrNoUsableResult means no attempt produced text
var ErrNoUsableResult = errors.New("no usable recognition result")

// DefaultCorroborationThreshold is the token Jaccard similarity at which two
// transcripts are treated as the same reading
const DefaultCorroborationThreshold = 0.90

// Fuser chooses the best attempt
type Fuser struct {
	CorroborationThreshold float64
}

// NewFuser creates a fuser, defaulting the corroboration threshold
func NewFuser(threshold float64) *Fuser {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultCorroborationThreshold
	}
	return &Fuser{CorroborationThreshold: threshold}
}

// Fuse uses the default corroboration threshold
func Fuse(attempts []model.Attempt) (*model.FusedTranscript, error) {
	return NewFuser(DefaultCorroborationThreshold).Fuse(attempts)
}

type candidate struct {
	attempt    model.Attempt
	score      float64
	components model.ScoreComponents
	tokens     map[string]struct{}
}

// Fuse returns the highest scoring usable attempt. Ties fall back to raw
// confidence, then to the earlier dispatch order.
func (f *Fuser) Fuse(attempts []model.Attempt) (*model.FusedTranscript, error) {
	var candidates []candidate
	for _, a := range attempts {
		if !a.Usable() {
			continue
		}
		score, components := Score(a)
		candidates = append(candidates, candidate{
			attempt:    a,
			score:      score,
			components: components,
			tokens:     textsim.Tokens(a.Text),
		})
	}
	if len(candidates) == 0 {
		return nil, ErrNoUsableResult
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if better(candidates[i], candidates[best]) {
			best = i
		}
	}
	chosen := candidates[best]

	var sum float64
	n := 0
	for _, c := range candidates {
		if textsim.JaccardSets(chosen.tokens, c.tokens) >= f.CorroborationThreshold {
			sum += clamp01(c.attempt.Confidence)
			n++
		}
	}
	confidence := clamp01(chosen.attempt.Confidence)
	if mean := sum / float64(n); mean > confidence {
		confidence = mean
	}

	return &model.FusedTranscript{
		Attempt:    chosen.attempt,
		Score:      chosen.score,
		Confidence: confidence,
		Components: chosen.components,
	}, nil
}

func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.attempt.Confidence != b.attempt.Confidence {
		return a.attempt.Confidence > b.attempt.Confidence
	}
	return a.attempt.Order < b.attempt.Order
}
