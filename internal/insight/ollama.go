package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mindloop/internal/model"
)

// OllamaProvider generates embeddings using a local Ollama server.
// It has no text-generation capability; suggestion requests report
// unavailability.
type OllamaProvider struct {
	endpoint string
	model    string
	client   *http.Client
	logger   *zap.Logger
}

// NewOllamaProvider creates an embedding-only provider.
func NewOllamaProvider(endpoint, embeddingModel string, logger *zap.Logger) (*OllamaProvider, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if embeddingModel == "" {
		embeddingModel = "embeddinggemma"
	}

	return &OllamaProvider{
		endpoint: endpoint,
		model:    embeddingModel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.Named("insight"),
	}, nil
}

func (p *OllamaProvider) SuggestionsAvailable() bool { return false }
func (p *OllamaProvider) EmbeddingsAvailable() bool  { return true }

func (p *OllamaProvider) Name() string {
	return fmt.Sprintf("ollama:%s", p.model)
}

func (p *OllamaProvider) Suggestions(_ context.Context, _ *model.Thought, _ []*model.Thought) []string {
	return []string{"suggestions are unavailable: ollama provider supports embeddings only"}
}

// Embed generates an embedding for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	req := ollamaEmbedRequest{
		Model:  p.model,
		Prompt: text,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Embedding, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}
