// Package model defines the core record types shared by every component:
// Thoughts, Guides, and the append-only Event log.
package model

import (
	"encoding/json"
	"time"
)

// Status tracks a Thought's enrichment lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Thought types are an open enumeration; these are the common tags.
const (
	TypeNote     = "note"
	TypeTask     = "task"
	TypeGoal     = "goal"
	TypeQuestion = "question"
)

// Link is a soft reference to another Thought. The target may not exist.
type Link struct {
	TargetID     string `json:"targetId"`
	Relationship string `json:"relationship"`
}

// PendingTask names the tool run a pending Thought is waiting on.
type PendingTask struct {
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params,omitempty"`
}

// Equal reports whether two pending tasks name the same tool run.
// Params are compared by their JSON encoding.
func (p *PendingTask) Equal(other *PendingTask) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.ToolName != other.ToolName {
		return false
	}
	a, _ := json.Marshal(p.Params)
	b, _ := json.Marshal(other.Params)
	return string(a) == string(b)
}

// Feedback is one append-only feedback record on a Thought.
type Feedback struct {
	Type      string    `json:"type"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata holds the store-managed and client-visible bookkeeping of a Thought.
type Metadata struct {
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Tags          []string       `json:"tags,omitempty"`
	Status        Status         `json:"status,omitempty"`
	PendingTask   *PendingTask   `json:"pendingTask,omitempty"`
	AISuggestions []string       `json:"aiSuggestions,omitempty"`
	Feedback      []Feedback     `json:"feedback,omitempty"`
	ErrorInfo     string         `json:"errorInfo,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`

	// UI is client-owned and never interpreted by the core. It is merged
	// shallowly and separately from the rest of metadata so a concurrent
	// core-originated write cannot clobber client-set fields.
	UI map[string]any `json:"ui,omitempty"`
}

// Thought is a single knowledge record in the graph.
type Thought struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Priority float64  `json:"priority"`
	Type     string   `json:"type"`
	Links    []Link   `json:"links,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// HasTag reports whether the Thought carries the given tag.
func (t *Thought) HasTag(tag string) bool {
	for _, existing := range t.Metadata.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// HasLink reports whether the Thought already links to target with rel.
func (t *Thought) HasLink(target, rel string) bool {
	for _, l := range t.Links {
		if l.TargetID == target && l.Relationship == rel {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate without aliasing the original.
func (t *Thought) Clone() *Thought {
	cp := *t
	cp.Links = append([]Link(nil), t.Links...)
	cp.Metadata.Tags = append([]string(nil), t.Metadata.Tags...)
	cp.Metadata.AISuggestions = append([]string(nil), t.Metadata.AISuggestions...)
	cp.Metadata.Feedback = append([]Feedback(nil), t.Metadata.Feedback...)
	if t.Metadata.PendingTask != nil {
		pt := *t.Metadata.PendingTask
		cp.Metadata.PendingTask = &pt
	}
	cp.Metadata.Extra = cloneMap(t.Metadata.Extra)
	cp.Metadata.UI = cloneMap(t.Metadata.UI)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Guide is a declarative condition -> action rule evaluated each cycle.
type Guide struct {
	ID        string    `json:"id"`
	Condition string    `json:"condition"`
	Action    string    `json:"action"`
	// Weight is advisory only; it does not influence evaluation order.
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event is one append-only log record. Events are never mutated or deleted.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TargetID  string         `json:"targetId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Well-known event types.
const (
	EventThoughtCreated = "thought_created"
	EventThoughtUpdated = "thought_updated"
	EventThoughtDeleted = "thought_deleted"
	EventToolInvoked    = "tool_invoked"
	EventToolSuccess    = "tool_success"
	EventToolFailure    = "tool_failure"
)

// ClampPriority bounds a priority into [0,1].
func ClampPriority(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
