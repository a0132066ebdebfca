package insight

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"mindloop/internal/model"
)

// GenAIProvider supplies suggestions and embeddings via Google's Gemini API.
type GenAIProvider struct {
	client         *genai.Client
	model          string
	embeddingModel string
	logger         *zap.Logger
}

// NewGenAIProvider creates a Gemini-backed provider.
func NewGenAIProvider(apiKey, textModel, embeddingModel string, logger *zap.Logger) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if textModel == "" {
		textModel = "gemini-2.0-flash"
	}
	if embeddingModel == "" {
		embeddingModel = "gemini-embedding-001"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIProvider{
		client:         client,
		model:          textModel,
		embeddingModel: embeddingModel,
		logger:         logger.Named("insight"),
	}, nil
}

func (p *GenAIProvider) SuggestionsAvailable() bool { return true }
func (p *GenAIProvider) EmbeddingsAvailable() bool  { return true }

func (p *GenAIProvider) Name() string {
	return fmt.Sprintf("genai:%s", p.model)
}

// Suggestions asks the model for short next-step suggestions. Backend errors
// surface as a single explanatory string, never as a failure.
func (p *GenAIProvider) Suggestions(ctx context.Context, th *model.Thought, contextThoughts []*model.Thought) []string {
	prompt := buildSuggestionPrompt(th, contextThoughts)

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), nil)
	if err != nil {
		p.logger.Warn("suggestion request failed", zap.String("thought", th.ID), zap.Error(err))
		return []string{fmt.Sprintf("suggestions are unavailable: %v", err)}
	}

	suggestions := parseSuggestionLines(resp.Text())
	if len(suggestions) == 0 {
		return []string{"suggestions are unavailable: model returned no usable output"}
	}
	p.logger.Debug("suggestions generated",
		zap.String("thought", th.ID), zap.Int("count", len(suggestions)))
	return suggestions
}

// Embed generates an embedding for a single text.
func (p *GenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := p.client.Models.EmbedContent(ctx,
		p.embeddingModel,
		contents,
		&genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// Close closes the underlying client. The genai client holds no resources
// that require explicit closing.
func (p *GenAIProvider) Close() error {
	return nil
}

// maxContextThoughts bounds how much neighboring content goes into the prompt.
const maxContextThoughts = 5

func buildSuggestionPrompt(th *model.Thought, contextThoughts []*model.Thought) string {
	var b strings.Builder
	b.WriteString("You maintain a graph of small knowledge records.\n")
	fmt.Fprintf(&b, "Given the %s below, suggest up to 3 short actionable follow-ups.\n", th.Type)
	b.WriteString("Answer with one suggestion per line, no numbering, no preamble.\n\n")
	fmt.Fprintf(&b, "Record: %s\n", th.Content)

	if len(contextThoughts) > 0 {
		b.WriteString("\nRelated records:\n")
		n := len(contextThoughts)
		if n > maxContextThoughts {
			n = maxContextThoughts
		}
		for _, ct := range contextThoughts[:n] {
			fmt.Fprintf(&b, "- [%s] %s\n", ct.Type, ct.Content)
		}
	}
	return b.String()
}

// parseSuggestionLines splits model output into clean suggestion strings,
// stripping list markers the model tends to add anyway.
func parseSuggestionLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == 3 {
			break
		}
	}
	return out
}
