package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/ollama/ollama/api"
)

type OllamaProvider struct {
	client     *api.Client
	model      string
	embedModel string
}

func NewOllamaProvider(model string) (*OllamaProvider, error) {
	if model == "" {
		model = "llama3.2"
	}

	baseURL := "http://localhost:11434"
	if envURL := os.Getenv("OLLAMA_HOST"); envURL != "" {
		baseURL = envURL
	}
	uri, _ := url.Parse(baseURL)
	client := api.NewClient(uri, http.DefaultClient)

	return &OllamaProvider{
		client:     client,
		model:      model,
		embedModel: "nomic-embed-text",
	}, nil
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:  p.embedModel,
		Prompt: text,
	}
	resp, err := p.client.Embeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (p *OllamaProvider) Summarize(ctx context.Context, text string) (string, error) {
	req := &api.ChatRequest{
		Model: p.model,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: "Summarize the following conversation excerpts concisely. Preserve decisions, stated facts, and user preferences. Respond with the summary only.",
			},
			{
				Role:    "user",
				Content: text,
			},
		},
		Stream: new(bool), // false
	}

	var summary string
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		summary += resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama summarization failed: %w", err)
	}
	return summary, nil
}
