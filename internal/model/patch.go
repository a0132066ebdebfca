package model

// ThoughtPatch is a partial update applied through the merge-update operation.
// Nil fields are left untouched. Slices replace the existing value outright;
// Feedback is the exception and is appended, never replaced.
type ThoughtPatch struct {
	Content  *string
	Priority *float64
	Type     *string
	Links    []Link

	Tags          []string
	Status        *Status
	PendingTask   *PendingTask
	ClearPending  bool
	AISuggestions []string
	AppendFeedback []Feedback
	ErrorInfo     *string
	Extra         map[string]any

	// UI is merged shallowly, key by key, independent of the rest of the
	// metadata so client-set keys survive core-originated writes.
	UI map[string]any
}

// Apply merges the patch into the Thought field by field. Priority is clamped
// on the way in. The store stamps UpdatedAt, not this function.
func (p *ThoughtPatch) Apply(t *Thought) {
	if p.Content != nil {
		t.Content = *p.Content
	}
	if p.Priority != nil {
		t.Priority = ClampPriority(*p.Priority)
	}
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Links != nil {
		t.Links = p.Links
	}
	if p.Tags != nil {
		t.Metadata.Tags = p.Tags
	}
	if p.Status != nil {
		t.Metadata.Status = *p.Status
	}
	if p.PendingTask != nil {
		t.Metadata.PendingTask = p.PendingTask
	} else if p.ClearPending {
		t.Metadata.PendingTask = nil
	}
	if p.AISuggestions != nil {
		t.Metadata.AISuggestions = p.AISuggestions
	}
	if len(p.AppendFeedback) > 0 {
		t.Metadata.Feedback = append(t.Metadata.Feedback, p.AppendFeedback...)
	}
	if p.ErrorInfo != nil {
		t.Metadata.ErrorInfo = *p.ErrorInfo
	}
	for k, v := range p.Extra {
		if t.Metadata.Extra == nil {
			t.Metadata.Extra = make(map[string]any)
		}
		t.Metadata.Extra[k] = v
	}
	for k, v := range p.UI {
		if t.Metadata.UI == nil {
			t.Metadata.UI = make(map[string]any)
		}
		t.Metadata.UI[k] = v
	}
}

// ContentChanged reports whether applying the patch would change the
// Thought's content. Used to decide whether to re-enqueue embedding work.
func (p *ThoughtPatch) ContentChanged(t *Thought) bool {
	return p.Content != nil && *p.Content != t.Content
}

// StrPtr, F64Ptr and StatusPtr are small helpers for building patches.
func StrPtr(s string) *string        { return &s }
func F64Ptr(f float64) *float64      { return &f }
func StatusPtr(s Status) *Status     { return &s }
