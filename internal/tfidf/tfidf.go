// Package tfidf implements a small TF-IDF vectorizer over unigrams and
// bigrams, used for lexical similarity between short queries.
package tfidf

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// englishStopwords are dropped before n-gram extraction.
var englishStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"he": {}, "her": {}, "his": {}, "i": {}, "if": {}, "in": {}, "into": {},
	"is": {}, "it": {}, "its": {}, "me": {}, "my": {}, "no": {}, "not": {},
	"of": {}, "on": {}, "or": {}, "our": {}, "she": {}, "so": {}, "that": {},
	"the": {}, "their": {}, "them": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "we": {}, "were": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "will": {},
	"with": {}, "you": {}, "your": {},
}

// Tokenize lowercases, splits on non-alphanumeric runes and drops English
// stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, stop := englishStopwords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// terms expands tokens into unigrams plus adjacent bigrams.
func terms(tokens []string) []string {
	out := make([]string, 0, len(tokens)*2)
	out = append(out, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}

// Vectorizer maps documents into a fixed TF-IDF feature space. Fit selects
// the vocabulary; Transform projects any document into it.
type Vectorizer struct {
	maxFeatures int
	vocabulary  map[string]int
	idf         []float64
	fitted      bool
}

// NewVectorizer creates a vectorizer capped at maxFeatures terms.
func NewVectorizer(maxFeatures int) *Vectorizer {
	if maxFeatures <= 0 {
		maxFeatures = 100
	}
	return &Vectorizer{maxFeatures: maxFeatures}
}

// Fitted reports whether Fit has selected a vocabulary.
func (v *Vectorizer) Fitted() bool { return v.fitted }

// VocabularySize returns the number of selected features.
func (v *Vectorizer) VocabularySize() int { return len(v.vocabulary) }

// Fit builds the vocabulary from docs, keeping the maxFeatures most frequent
// terms (ties broken alphabetically), and computes smoothed IDF weights.
func (v *Vectorizer) Fit(docs []string) {
	totalCounts := make(map[string]int)
	docFreq := make(map[string]int)

	for _, doc := range docs {
		termList := terms(Tokenize(doc))
		seen := make(map[string]struct{}, len(termList))
		for _, t := range termList {
			totalCounts[t]++
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				docFreq[t]++
			}
		}
	}

	type termCount struct {
		term  string
		count int
	}
	ranked := make([]termCount, 0, len(totalCounts))
	for t, c := range totalCounts {
		ranked = append(ranked, termCount{t, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].term < ranked[j].term
	})
	if len(ranked) > v.maxFeatures {
		ranked = ranked[:v.maxFeatures]
	}

	v.vocabulary = make(map[string]int, len(ranked))
	v.idf = make([]float64, len(ranked))
	n := float64(len(docs))
	for i, tc := range ranked {
		v.vocabulary[tc.term] = i
		df := float64(docFreq[tc.term])
		v.idf[i] = math.Log((1+n)/(1+df)) + 1
	}
	v.fitted = true
}

// Transform projects a document into the fitted space as an L2-normalized
// TF-IDF vector. Returns nil before Fit.
func (v *Vectorizer) Transform(doc string) []float64 {
	if !v.fitted {
		return nil
	}
	vec := make([]float64, len(v.vocabulary))
	for _, t := range terms(Tokenize(doc)) {
		if col, ok := v.vocabulary[t]; ok {
			vec[col]++
		}
	}
	for i := range vec {
		vec[i] *= v.idf[i]
	}
	normalize(vec)
	return vec
}

func normalize(vec []float64) {
	var sum float64
	for _, x := range vec {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

// Cosine returns the cosine similarity of two equal-length vectors, 0 when
// either is empty or zero.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
