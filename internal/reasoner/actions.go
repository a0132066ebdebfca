package reasoner

import (
	"context"
	"errors"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"mindloop/internal/guide"
	"mindloop/internal/model"
	"mindloop/internal/store"
)

// applyAction runs one parsed Guide command against a Thought. It reports
// whether the Thought was directly mutated or a task was enqueued. Unknown
// commands and no-op outcomes are logged and counted as non-effects, never
// raised.
func (r *Reasoner) applyAction(ctx context.Context, th *model.Thought, cmd guide.Command, guideID string) bool {
	log := r.logger.With(
		zap.String("guideId", guideID),
		zap.String("thoughtId", th.ID))

	switch cmd.Kind {
	case guide.CmdSet:
		patch, ok := setPatch(cmd)
		if !ok {
			log.Warn("guide set targets unknown field", zap.String("key", cmd.Key))
			return false
		}
		if _, err := r.store.PatchThought(th.ID, patch); err != nil {
			log.Warn("guide set failed", zap.Error(err))
			return false
		}
		return true

	case guide.CmdAddTag:
		if th.HasTag(cmd.Tag) {
			return false
		}
		tags := append(slices.Clone(th.Metadata.Tags), cmd.Tag)
		if _, err := r.store.PatchThought(th.ID, &model.ThoughtPatch{Tags: tags}); err != nil {
			log.Warn("guide add_tag failed", zap.Error(err))
			return false
		}
		return true

	case guide.CmdRemoveTag:
		if !th.HasTag(cmd.Tag) {
			return false
		}
		tags := slices.DeleteFunc(slices.Clone(th.Metadata.Tags), func(t string) bool {
			return t == cmd.Tag
		})
		if tags == nil {
			tags = []string{}
		}
		if _, err := r.store.PatchThought(th.ID, &model.ThoughtPatch{Tags: tags}); err != nil {
			log.Warn("guide remove_tag failed", zap.Error(err))
			return false
		}
		return true

	case guide.CmdCreateTask:
		err := r.queue.Enqueue(th.ID, "spawn_child", map[string]any{
			"content": cmd.Content,
			"type":    model.TypeTask,
		})
		if err != nil {
			log.Warn("guide create_task enqueue failed", zap.Error(err))
			return false
		}
		return true

	case guide.CmdLinkTo:
		if th.HasLink(cmd.Target, cmd.Relationship) {
			return false
		}
		if _, err := r.store.GetThought(cmd.Target); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Warn("guide link_to lookup failed", zap.Error(err))
			}
			return false
		}
		links := append(slices.Clone(th.Links), model.Link{
			TargetID:     cmd.Target,
			Relationship: cmd.Relationship,
		})
		if _, err := r.store.PatchThought(th.ID, &model.ThoughtPatch{Links: links}); err != nil {
			log.Warn("guide link_to failed", zap.Error(err))
			return false
		}
		return true

	case guide.CmdRunTool:
		if err := r.queue.Enqueue(th.ID, cmd.Tool, cmd.Params); err != nil {
			log.Warn("guide run_tool enqueue failed", zap.Error(err))
			return false
		}
		return true

	default:
		log.Warn("skipping malformed guide action",
			zap.String("action", cmd.Raw),
			zap.Error(cmd.Err))
		return false
	}
}

// setPatch converts a set command into a merge-update. Settable top-level
// fields are content, priority, type and status; anything else lands in
// metadata only with an explicit metadata. prefix.
func setPatch(cmd guide.Command) (*model.ThoughtPatch, bool) {
	if cmd.Meta {
		if cmd.Key == "status" {
			status := model.Status(cmd.Value)
			return &model.ThoughtPatch{Status: &status}, true
		}
		return &model.ThoughtPatch{Extra: map[string]any{cmd.Key: cmd.Value}}, true
	}
	switch cmd.Key {
	case "content":
		return &model.ThoughtPatch{Content: model.StrPtr(cmd.Value)}, true
	case "priority":
		f, err := strconv.ParseFloat(cmd.Value, 64)
		if err != nil {
			return nil, false
		}
		return &model.ThoughtPatch{Priority: model.F64Ptr(f)}, true
	case "type":
		return &model.ThoughtPatch{Type: model.StrPtr(cmd.Value)}, true
	case "status":
		status := model.Status(cmd.Value)
		return &model.ThoughtPatch{Status: &status}, true
	default:
		return nil, false
	}
}
