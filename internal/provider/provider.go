// Package provider defines the model capabilities the engine consumes:
// embedding generation and optional summarization. One constructor per
// vendor; all implementations are interchangeable behind the interfaces.
package provider

import (
	"context"
)

// Embedder generates a fixed-length vector embedding for text.
// Implementations must be deterministic for identical input.
type Embedder interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider identifier (e.g., "stub", "openai").
	Name() string
}

// Summarizer condenses text into a shorter form. It is an optional
// capability: absence or failure is not an error for the caller, which
// falls back to extractive summarization.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Provider bundles embedding and summarization. The vendor-backed
// implementations satisfy it; callers that only need one capability
// should accept the narrower interface.
type Provider interface {
	Embedder
	Summarizer
}
