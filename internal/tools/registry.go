package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mindloop/internal/model"
	"mindloop/internal/notify"
)

// resultPreviewLimit truncates tool output stored in tool_success events.
const resultPreviewLimit = 200

// EventSink receives the tool lifecycle events. Implemented by the store.
type EventSink interface {
	AppendEvent(eventType, targetID string, data map[string]any) error
}

// Registry holds all available tools and dispatches execution. It is
// thread-safe and supports registration at runtime. Every invocation is
// logged to the Event log; the registry never touches Thought state -- task
// status transitions belong to the queue.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	events      EventSink
	broadcaster *notify.Broadcaster
	logger      *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(events EventSink, broadcaster *notify.Broadcaster, logger *zap.Logger) *Registry {
	return &Registry{
		tools:       make(map[string]*Tool),
		events:      events,
		broadcaster: broadcaster,
		logger:      logger.Named("tools"),
	}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	r.logger.Debug("registered tool", zap.String("name", tool.Name))
	return nil
}

// MustRegister registers a tool and panics on error. For static
// registration at startup.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs a tool by name. Before execution it logs a tool_invoked
// event and emits a status notification. Success logs tool_success with a
// truncated result preview; failure logs tool_failure, emits an error
// notification carrying the Thought id, and returns the error to the
// caller.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, execCtx *ExecContext) (string, error) {
	thoughtID := ""
	if execCtx != nil {
		thoughtID = execCtx.ThoughtID
	}

	r.appendEvent(model.EventToolInvoked, thoughtID, map[string]any{"tool": name})
	r.broadcaster.Status(map[string]any{
		"state":     "tool_running",
		"tool":      name,
		"thoughtId": thoughtID,
	})

	tool := r.Get(name)
	if tool == nil {
		err := fmt.Errorf("%w: %s", ErrToolNotFound, name)
		r.failure(name, thoughtID, err)
		return "", err
	}

	start := time.Now()
	result, err := tool.Execute(ctx, params, execCtx)
	duration := time.Since(start)

	if err != nil {
		r.failure(name, thoughtID, err)
		return "", err
	}

	r.appendEvent(model.EventToolSuccess, thoughtID, map[string]any{
		"tool":       name,
		"result":     truncate(result, resultPreviewLimit),
		"durationMs": duration.Milliseconds(),
	})
	r.broadcaster.Status(map[string]any{
		"state":     "tool_done",
		"tool":      name,
		"thoughtId": thoughtID,
	})
	r.logger.Debug("tool completed",
		zap.String("name", name), zap.Duration("duration", duration))
	return result, nil
}

func (r *Registry) failure(name, thoughtID string, err error) {
	r.appendEvent(model.EventToolFailure, thoughtID, map[string]any{
		"tool":  name,
		"error": err.Error(),
	})
	r.broadcaster.Error(thoughtID, fmt.Sprintf("tool %s failed: %v", name, err))
	r.logger.Warn("tool failed", zap.String("name", name), zap.Error(err))
}

func (r *Registry) appendEvent(eventType, targetID string, data map[string]any) {
	if err := r.events.AppendEvent(eventType, targetID, data); err != nil {
		r.logger.Warn("event append failed", zap.String("type", eventType), zap.Error(err))
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
