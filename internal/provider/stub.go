package provider

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
)

// StubProvider is a deterministic in-process provider for testing. Its
// embeddings hash words into a fixed-dimension bag-of-words vector, so
// identical text always embeds identically and texts sharing vocabulary
// score high cosine similarity. No network, no model.
type StubProvider struct {
	Dim int

	// FailEmbed / FailSummarize force the corresponding call to error,
	// for exercising degradation paths.
	FailEmbed     bool
	FailSummarize bool

	// EmbedCalls counts Embed invocations (dedup short-circuit tests).
	EmbedCalls int
}

var errStubFailure = errors.New("stub provider: forced failure")

func NewStubProvider() *StubProvider {
	return &StubProvider{Dim: 64}
}

func (m *StubProvider) Name() string {
	return "stub"
}

func (m *StubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.FailEmbed {
		return nil, errStubFailure
	}
	m.EmbedCalls++

	dim := m.Dim
	if dim <= 0 {
		dim = 64
	}

	vec := make([]float32, dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%uint32(dim)]++
	}

	// Normalize so cosine similarity lands in [0, 1].
	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		inv := float32(1 / math.Sqrt(mag))
		for i := range vec {
			vec[i] *= inv
		}
	}

	return vec, nil
}

func (m *StubProvider) Summarize(ctx context.Context, text string) (string, error) {
	if m.FailSummarize {
		return "", errStubFailure
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return "Summary: " + text, nil
}
