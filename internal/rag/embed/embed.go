// Package embed implements the TF-IDF vectorizer behind the document
// index. Vectors are L2-normalized at construction so cosine similarity
// reduces to a dot product.
package embed

import (
	"errors"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// MaxVocabularySize caps the fitted vocabulary at the most frequent terms.
const MaxVocabularySize = 5000

// ErrDimensionMismatch is returned by Cosine for vectors of different lengths.
var ErrDimensionMismatch = errors.New("embed: vector dimensions do not match")

// Model is the fitted state of a vectorizer: term positions and per-term
// inverse document frequencies. It round-trips through the index file so
// a loaded index can embed new queries.
type Model struct {
	Vocabulary map[string]int `json:"vocabulary"`
	IDF        []float64      `json:"idf"`
}

// Dimension returns the vector length the model produces.
func (m *Model) Dimension() int {
	return len(m.IDF)
}

// Vectorizer turns text into TF-IDF vectors over a fitted vocabulary.
type Vectorizer struct {
	model Model
}

// NewVectorizer creates an unfitted vectorizer. Call Fit before Embed.
func NewVectorizer() *Vectorizer {
	return &Vectorizer{}
}

// FromModel restores a vectorizer from persisted state.
func FromModel(m Model) *Vectorizer {
	return &Vectorizer{model: m}
}

// Fit builds the vocabulary and IDF table from the document corpus.
// The vocabulary keeps the MaxVocabularySize most document-frequent
// terms; ties break lexicographically so fitting is deterministic.
// IDF is log10(N/df).
func (v *Vectorizer) Fit(docs []string) {
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]struct{})
		for _, token := range Tokenize(doc) {
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			df[token]++
		}
	}

	terms := make([]string, 0, len(df))
	for term := range df {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if df[terms[i]] != df[terms[j]] {
			return df[terms[i]] > df[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > MaxVocabularySize {
		terms = terms[:MaxVocabularySize]
	}

	n := float64(len(docs))
	model := Model{
		Vocabulary: make(map[string]int, len(terms)),
		IDF:        make([]float64, len(terms)),
	}
	for i, term := range terms {
		model.Vocabulary[term] = i
		model.IDF[i] = math.Log10(n / float64(df[term]))
	}
	v.model = model
}

// Embed produces an L2-normalized TF-IDF vector of the fitted dimension.
func (v *Vectorizer) Embed(text string) []float32 {
	vec := make([]float64, v.model.Dimension())
	for _, token := range Tokenize(text) {
		if pos, ok := v.model.Vocabulary[token]; ok {
			vec[pos] += v.model.IDF[pos]
		}
	}

	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(vec))
	if norm > 0 {
		for i, x := range vec {
			out[i] = float32(x / norm)
		}
	}
	return out
}

// Model returns the fitted state for persistence.
func (v *Vectorizer) Model() Model {
	return v.model
}

// Dimension returns the vector length the vectorizer produces.
func (v *Vectorizer) Dimension() int {
	return v.model.Dimension()
}

// Cosine is the dot product of two pre-normalized vectors.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot, nil
}

// Tokenize lowercases text, treats every rune that is not a Latin or
// Cyrillic letter or a digit as a separator, and drops tokens of two
// characters or fewer.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !isWordRune(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if utf8.RuneCountInString(field) <= 2 {
			continue
		}
		tokens = append(tokens, field)
	}
	return tokens
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r >= 'а' && r <= 'я', r == 'ё':
		return true
	}
	return false
}
