// Package sparse encodes text into term-frequency sparse vectors for the
// vector store's IDF-weighted sparse index.
package sparse

import (
	"sort"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Vector is a sparse vector with ascending, unique indices.
type Vector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Len returns the number of non-zero entries.
func (v Vector) Len() int { return len(v.Indices) }

// Empty reports whether the vector has no entries.
func (v Vector) Empty() bool { return len(v.Indices) == 0 }

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true, "i": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "this": true, "to": true, "was": true, "what": true,
	"when": true, "where": true, "which": true, "with": true, "do": true, "does": true,
}

// Encoder turns text into sparse vectors. The zero value is ready to use.
// Weights are raw term counts; the store's IDF modifier supplies corpus
// statistics at query time.
type Encoder struct{}

// New returns an Encoder.
func New() *Encoder { return &Encoder{} }

// Encode tokenizes text and returns its term-frequency vector. Empty or
// whitespace-only text yields an empty vector.
func (Encoder) Encode(text string) Vector {
	counts := make(map[uint32]float32)
	for _, term := range Tokenize(text) {
		counts[TermIndex(term)]++
	}
	if len(counts) == 0 {
		return Vector{}
	}
	v := Vector{
		Indices: make([]uint32, 0, len(counts)),
		Values:  make([]float32, 0, len(counts)),
	}
	for idx := range counts {
		v.Indices = append(v.Indices, idx)
	}
	sort.Slice(v.Indices, func(i, j int) bool { return v.Indices[i] < v.Indices[j] })
	for _, idx := range v.Indices {
		v.Values = append(v.Values, counts[idx])
	}
	return v
}

// TermIndex maps a term to its stable index. Collisions merge weights.
func TermIndex(term string) uint32 {
	return uint32(xxhash.Sum64String(term))
}

// Tokenize lowercases text and splits it into terms. Hyphenated words such as
// cmdlet names are kept whole and also emitted part by part, so
// "Show-InstallationWelcome" matches both the full name and its parts as
// separate queries. Stop words and single-rune tokens are dropped.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	var out []string
	for _, w := range words {
		w = strings.Trim(w, "-")
		if w == "" {
			continue
		}
		if strings.Contains(w, "-") {
			out = append(out, w)
			for _, part := range strings.Split(w, "-") {
				out = appendTerm(out, part)
			}
			continue
		}
		out = appendTerm(out, w)
	}
	return out
}

func appendTerm(out []string, w string) []string {
	if len([]rune(w)) < 2 || stopWords[w] {
		return out
	}
	return append(out, w)
}
