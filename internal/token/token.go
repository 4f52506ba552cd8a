// Package token provides token counting for context budgeting. The
// Counter interface is the swap point for a real BPE tokenizer; the
// built-in Estimator approximates counts from text shape alone, which
// is accurate enough for threshold decisions without shipping a model
// vocabulary.
package token

import (
	"strings"
	"unicode/utf8"
)

// Counter counts tokens in text, consistent with whatever downstream
// model consumes the context.
type Counter interface {
	Count(text string) int

	// Encoding returns the encoding name this counter approximates.
	Encoding() string
}

// charsPerToken maps encoding names to their observed average
// characters-per-token ratio for English-heavy chat text.
var charsPerToken = map[string]float64{
	"cl100k_base": 4.0,
	"o200k_base":  4.2,
	"p50k_base":   3.8,
}

const defaultCharsPerToken = 4.0

// Estimator is a heuristic Counter. It blends a character-ratio
// estimate with a word-count estimate and takes the larger, which
// tracks BPE output closely for both prose and code.
type Estimator struct {
	encoding string
	ratio    float64
}

// NewEstimator returns an Estimator tuned for the given encoding name.
// Unknown encodings fall back to the default ratio.
func NewEstimator(encoding string) *Estimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	ratio, ok := charsPerToken[encoding]
	if !ok {
		ratio = defaultCharsPerToken
	}
	return &Estimator{encoding: encoding, ratio: ratio}
}

func (e *Estimator) Encoding() string {
	return e.encoding
}

func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}

	byChars := float64(utf8.RuneCountInString(text)) / e.ratio
	byWords := float64(len(strings.Fields(text))) * 4.0 / 3.0

	est := byChars
	if byWords > est {
		est = byWords
	}

	n := int(est + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}
