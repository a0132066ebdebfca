// Package tools provides the registry of named, side-effecting operations
// that asynchronous tasks and Guide actions invoke by id.
package tools

import (
	"context"

	"mindloop/internal/insight"
	"mindloop/internal/model"
	"mindloop/internal/store"
)

// ExecFunc is the signature for tool execution. It returns a short result
// string used for the event-log preview.
type ExecFunc func(ctx context.Context, params map[string]any, execCtx *ExecContext) (string, error)

// Tool is a registry-dispatched operation invokable by name.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Description explains what the tool does.
	Description string

	// Execute runs the tool with the given parameter bag.
	Execute ExecFunc
}

// Validate checks the tool definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// ThoughtCreator creates new Thoughts as a tool side effect. Implemented by
// the reasoner; declared here so tools do not depend on it directly.
type ThoughtCreator interface {
	CreateThought(ctx context.Context, content, thoughtType string, priority float64, links []model.Link, extra map[string]any) (*model.Thought, error)
}

// ExecContext carries the collaborators a tool may use. ThoughtID names the
// Thought the task is bound to and may be empty for direct invocations.
type ExecContext struct {
	ThoughtID string
	Store     *store.Store
	Provider  insight.Provider
	Creator   ThoughtCreator
}
