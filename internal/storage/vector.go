package storage

import (
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// VectorSize is the dimension of hashed question vectors
const VectorSize = 512

// Vectorize maps text to a signed feature-hashed bag of unigrams and bigrams,
// L2-normalized so cosine similarity tracks token overlap. Empty text gives
// the zero vector.
func Vectorize(text string) []float32 {
	vec := make([]float32, VectorSize)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	add := func(feature string, weight float32) {
		h := xxhash.Sum64String(feature)
		idx := h % VectorSize
		if h>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// Cosine is the cosine similarity of two equal-length vectors
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
