package questions

import (
	"strings"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
	"github.com/adverant/nexus/questionprocess-worker/internal/textsim"
)

// DefaultDedupeThreshold is the token Jaccard similarity above which two
// questions are duplicates
const DefaultDedupeThreshold = 0.85

// Dedupe keeps the earliest of near-duplicate questions. Each question is
// compared with every earlier one, dropped or not, so a chain A~B~C keeps
// only A even when A and C are not similar.
func Dedupe(questions []model.Question, threshold float64) []model.Question {
	if threshold <= 0 {
		threshold = DefaultDedupeThreshold
	}
	tokens := make([]map[string]struct{}, len(questions))
	for i, q := range questions {
		tokens[i] = textsim.Tokens(dedupeText(q))
	}

	var kept []model.Question
	for i, q := range questions {
		duplicate := false
		for j := 0; j < i; j++ {
			if textsim.JaccardSets(tokens[i], tokens[j]) >= threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, q)
		}
	}
	return kept
}

func dedupeText(q model.Question) string {
	var b strings.Builder
	b.WriteString(q.Text)
	for _, o := range q.Options {
		b.WriteByte(' ')
		b.WriteString(o.Text)
	}
	return b.String()
}
