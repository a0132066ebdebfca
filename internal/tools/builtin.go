package tools

import (
	"context"
	"fmt"

	"mindloop/internal/model"
)

// RegisterBuiltins installs the tools the core itself relies on.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(GenerateEmbedding())
	r.MustRegister(GetSuggestions())
	r.MustRegister(SpawnChild())
}

// GenerateEmbedding indexes a Thought's content in the vector store. This is
// the enrichment task new Thoughts are enqueued with.
func GenerateEmbedding() *Tool {
	return &Tool{
		Name:        "generate_embedding",
		Description: "Embed a Thought's content and update the vector index",
		Execute: func(ctx context.Context, params map[string]any, execCtx *ExecContext) (string, error) {
			id := stringParam(params, "thoughtId", execCtx.ThoughtID)
			if id == "" {
				return "", fmt.Errorf("%w: thoughtId", ErrMissingParam)
			}
			th, err := execCtx.Store.GetThought(id)
			if err != nil {
				return "", fmt.Errorf("load thought %s: %w", id, err)
			}
			if th.Content == "" {
				return "nothing to embed", nil
			}
			if err := execCtx.Store.IndexThought(ctx, th.ID, th.Content); err != nil {
				return "", fmt.Errorf("index thought %s: %w", id, err)
			}
			return "embedding indexed", nil
		},
	}
}

// GetSuggestions asks the Insight Provider for follow-up suggestions and
// stores them on the Thought. Semantically similar Thoughts are passed as
// context.
func GetSuggestions() *Tool {
	return &Tool{
		Name:        "get_suggestions",
		Description: "Request insight suggestions for a Thought and store them",
		Execute: func(ctx context.Context, params map[string]any, execCtx *ExecContext) (string, error) {
			id := stringParam(params, "thoughtId", execCtx.ThoughtID)
			if id == "" {
				return "", fmt.Errorf("%w: thoughtId", ErrMissingParam)
			}
			th, err := execCtx.Store.GetThought(id)
			if err != nil {
				return "", fmt.Errorf("load thought %s: %w", id, err)
			}

			var contextThoughts []*model.Thought
			if hits, err := execCtx.Store.SemanticSearch(ctx, th.Content, 5); err == nil {
				for _, hit := range hits {
					if hit.Thought.ID != th.ID {
						contextThoughts = append(contextThoughts, hit.Thought)
					}
				}
			}

			suggestions := execCtx.Provider.Suggestions(ctx, th, contextThoughts)
			if _, err := execCtx.Store.PatchThought(id, &model.ThoughtPatch{AISuggestions: suggestions}); err != nil {
				return "", fmt.Errorf("store suggestions: %w", err)
			}
			return fmt.Sprintf("stored %d suggestions", len(suggestions)), nil
		},
	}
}

// SpawnChild creates a new Thought linked back to its parent. Guides use it
// through the create_task action.
func SpawnChild() *Tool {
	return &Tool{
		Name:        "spawn_child",
		Description: "Create a child Thought linked to the current one",
		Execute: func(ctx context.Context, params map[string]any, execCtx *ExecContext) (string, error) {
			content := stringParam(params, "content", "")
			if content == "" {
				return "", fmt.Errorf("%w: content", ErrMissingParam)
			}
			childType := stringParam(params, "type", model.TypeTask)
			priority := floatParam(params, "priority", 0.5)

			var links []model.Link
			if execCtx.ThoughtID != "" {
				links = []model.Link{{TargetID: execCtx.ThoughtID, Relationship: "child_of"}}
			}

			child, err := execCtx.Creator.CreateThought(ctx, content, childType, priority, links, nil)
			if err != nil {
				return "", fmt.Errorf("create child thought: %w", err)
			}
			return fmt.Sprintf("created %s", child.ID), nil
		},
	}
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}
