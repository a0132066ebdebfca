// Package insight is the boundary to the external suggestion and embedding
// capability. Either capability may be permanently or transiently absent;
// callers must treat that as degraded, never as an error.
//
// Supported backends: Google GenAI (suggestions + embeddings) and Ollama
// (embeddings only).
package insight

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"mindloop/internal/model"
)

// Provider supplies text suggestions and embedding vectors.
type Provider interface {
	// SuggestionsAvailable reports whether Suggestions can produce output.
	SuggestionsAvailable() bool

	// EmbeddingsAvailable reports whether Embed can produce vectors.
	EmbeddingsAvailable() bool

	// Suggestions returns short suggestion strings for a Thought given some
	// context Thoughts. When the capability is unavailable or the backend
	// errors, it returns a single explanatory string instead of failing.
	Suggestions(ctx context.Context, th *model.Thought, contextThoughts []*model.Thought) []string

	// Embed returns an embedding vector for text, or an error when the
	// capability is absent or the backend fails.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name identifies the backend for logs and status payloads.
	Name() string
}

// Config selects and configures the provider backend.
type Config struct {
	// Provider: "genai", "ollama" or "none"
	Provider string

	// GenAI configuration
	APIKey         string
	Model          string
	EmbeddingModel string

	// Ollama configuration
	OllamaEndpoint string
	OllamaModel    string
}

// New creates a provider from configuration.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "genai":
		return NewGenAIProvider(cfg.APIKey, cfg.Model, cfg.EmbeddingModel, logger)
	case "ollama":
		return NewOllamaProvider(cfg.OllamaEndpoint, cfg.OllamaModel, logger)
	case "none", "":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unsupported insight provider: %s (use 'genai', 'ollama' or 'none')", cfg.Provider)
	}
}

// Disabled is the provider used when no backend is configured.
type Disabled struct{}

func (Disabled) SuggestionsAvailable() bool { return false }
func (Disabled) EmbeddingsAvailable() bool  { return false }
func (Disabled) Name() string               { return "disabled" }

func (Disabled) Suggestions(context.Context, *model.Thought, []*model.Thought) []string {
	return []string{"suggestions are unavailable: no insight provider configured"}
}

func (Disabled) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrEmbeddingsUnavailable
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns a value in [-1, 1]; zero-magnitude vectors yield 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}
