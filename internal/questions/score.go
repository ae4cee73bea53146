package questions

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

var interrogatives = map[string]bool{
	"what": true, "which": true, "who": true, "whom": true, "whose": true,
	"why": true, "how": true, "when": true, "where": true,
	"define": true, "explain": true, "describe": true, "state": true,
	"name": true, "list": true, "calculate": true, "find": true,
	"fill": true, "choose": true, "identify": true, "write": true,
	"give": true, "compare": true, "solve": true,
}

// Score estimates a question's confidence in [0,1]
func Score(q model.Question, reclassified bool) float64 {
	c := 0.5
	text := strings.TrimSpace(q.Text)
	if strings.Contains(text, "?") {
		c += 0.15
	}
	if interrogatives[leadWord(text)] {
		c += 0.1
	}
	switch q.Type {
	case model.QuestionMCQ:
		if n := len(q.Options); n >= 3 && n <= 5 {
			c += 0.15
		} else if n == 2 {
			c += 0.05
		}
	case model.QuestionFIB:
		if n := len(q.Blanks); n >= 1 && n <= 5 {
			c += 0.15
		}
	}
	if utf8.RuneCountInString(text) < 10 {
		c -= 0.2
	}
	if reclassified {
		c -= 0.1
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func leadWord(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
