package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mindloop/internal/model"
	"mindloop/internal/notify"
	"mindloop/internal/store"
)

// request is one inbound command frame.
type request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Control and mutation commands accepted over the socket.
const (
	cmdRun           = "run"
	cmdPause         = "pause"
	cmdStep          = "step"
	cmdClearAll      = "clear_all"
	cmdStats         = "stats"
	cmdExport        = "export"
	cmdAddThought    = "add_thought"
	cmdUpdateThought = "update_thought"
	cmdDeleteThought = "delete_thought"
	cmdRunTool       = "run_tool"
	cmdAddGuide      = "add_guide"
	cmdFeedback      = "provide_feedback"
)

func (s *Server) dispatch(ctx context.Context, req request, send sendFunc) {
	var err error
	switch req.Command {
	case cmdRun:
		s.scheduler.Resume()
		s.broadcaster.Status(map[string]any{"state": "running"})
	case cmdPause:
		s.scheduler.Pause()
		s.broadcaster.Status(map[string]any{"state": "paused"})
	case cmdStep:
		err = s.scheduler.Step(ctx)
	case cmdClearAll:
		err = s.clearAll()
	case cmdStats:
		err = s.sendStats(send)
	case cmdExport:
		err = s.sendExport(send)
	case cmdAddThought:
		err = s.addThought(ctx, req.Payload)
	case cmdUpdateThought:
		err = s.updateThought(ctx, req.Payload)
	case cmdDeleteThought:
		err = s.deleteThought(ctx, req.Payload)
	case cmdRunTool:
		err = s.runTool(ctx, req.Payload)
	case cmdAddGuide:
		err = s.addGuide(req.Payload)
	case cmdFeedback:
		err = s.provideFeedback(ctx, req.Payload)
	default:
		err = fmt.Errorf("unknown command %q", req.Command)
	}
	if err != nil {
		s.logger.Debug("command rejected",
			zap.String("command", req.Command),
			zap.Error(err))
		send(notify.Message{Type: notify.TypeError, Payload: map[string]any{
			"command": req.Command,
			"message": err.Error(),
		}})
	}
}

// clearAll wipes the store and vector index, then re-enters the paused
// state. Observers get a fresh empty init push.
func (s *Server) clearAll() error {
	s.scheduler.Pause()
	if err := s.store.ClearAll(); err != nil {
		return err
	}
	payload, err := s.initPayload()
	if err != nil {
		return err
	}
	s.broadcaster.Publish(notify.Message{Type: notify.TypeInit, Payload: payload})
	s.broadcaster.Status(map[string]any{"state": "cleared"})
	return nil
}

func (s *Server) sendStats(send sendFunc) error {
	stats, err := s.store.Stats()
	if err != nil {
		return err
	}
	send(notify.Message{Type: notify.TypeStatusUpdate, Payload: map[string]any{
		"state":  "stats",
		"counts": stats,
	}})
	return nil
}

// sendExport dumps every stored entity to the requesting connection.
func (s *Server) sendExport(send sendFunc) error {
	thoughts, err := s.store.ListThoughts(nil)
	if err != nil {
		return err
	}
	guides, err := s.store.ListGuides()
	if err != nil {
		return err
	}
	events, err := s.store.ListEvents(&store.EventFilter{})
	if err != nil {
		return err
	}
	send(notify.Message{Type: "export", Payload: map[string]any{
		"thoughts": thoughts,
		"guides":   guides,
		"events":   events,
	}})
	return nil
}

type addThoughtRequest struct {
	Content  string         `json:"content"`
	Type     string         `json:"type"`
	Priority float64        `json:"priority"`
	Links    []model.Link   `json:"links"`
	Tags     []string       `json:"tags"`
	UI       map[string]any `json:"ui"`
	Extra    map[string]any `json:"metadata"`
}

func (s *Server) addThought(ctx context.Context, payload json.RawMessage) error {
	var req addThoughtRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.Content == "" {
		return errors.New("add_thought requires content")
	}
	th, err := s.reasoner.CreateThought(ctx, req.Content, req.Type, req.Priority, req.Links, req.Extra)
	if err != nil {
		return err
	}
	if len(req.Tags) > 0 || len(req.UI) > 0 {
		_, err = s.reasoner.UpdateThought(ctx, th.ID, &model.ThoughtPatch{
			Tags: req.Tags,
			UI:   req.UI,
		})
	}
	return err
}

type updateThoughtRequest struct {
	ID       string         `json:"id"`
	Content  *string        `json:"content"`
	Priority *float64       `json:"priority"`
	Type     *string        `json:"type"`
	Links    []model.Link   `json:"links"`
	Tags     []string       `json:"tags"`
	UI       map[string]any `json:"ui"`
	Extra    map[string]any `json:"metadata"`
}

func (s *Server) updateThought(ctx context.Context, payload json.RawMessage) error {
	var req updateThoughtRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.ID == "" {
		return errors.New("update_thought requires id")
	}
	_, err := s.reasoner.UpdateThought(ctx, req.ID, &model.ThoughtPatch{
		Content:  req.Content,
		Priority: req.Priority,
		Type:     req.Type,
		Links:    req.Links,
		Tags:     req.Tags,
		UI:       req.UI,
		Extra:    req.Extra,
	})
	return err
}

func (s *Server) deleteThought(ctx context.Context, payload json.RawMessage) error {
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.ID == "" {
		return errors.New("delete_thought requires id")
	}
	return s.reasoner.DeleteThought(ctx, req.ID)
}

type runToolRequest struct {
	ThoughtID string         `json:"thoughtId"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
}

// runTool enqueues against a Thought, or executes immediately when no
// Thought id is given.
func (s *Server) runTool(ctx context.Context, payload json.RawMessage) error {
	var req runToolRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.Tool == "" {
		return errors.New("run_tool requires a tool name")
	}
	_, err := s.reasoner.RunTool(ctx, req.ThoughtID, req.Tool, req.Params)
	return err
}

type addGuideRequest struct {
	ID        string  `json:"id"`
	Condition string  `json:"condition"`
	Action    string  `json:"action"`
	Weight    float64 `json:"weight"`
}

func (s *Server) addGuide(payload json.RawMessage) error {
	var req addGuideRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.Condition == "" || req.Action == "" {
		return errors.New("add_guide requires condition and action")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	err := s.store.PutGuide(&model.Guide{
		ID:        req.ID,
		Condition: req.Condition,
		Action:    req.Action,
		Weight:    req.Weight,
	})
	if err != nil {
		return err
	}
	s.broadcaster.Status(map[string]any{
		"state":   "guide_added",
		"guideId": req.ID,
	})
	return nil
}

type feedbackRequest struct {
	ThoughtID string `json:"thoughtId"`
	Type      string `json:"type"`
	Value     any    `json:"value"`
}

func (s *Server) provideFeedback(ctx context.Context, payload json.RawMessage) error {
	var req feedbackRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if req.ThoughtID == "" || req.Type == "" {
		return errors.New("provide_feedback requires thoughtId and type")
	}
	_, err := s.reasoner.ProvideFeedback(ctx, req.ThoughtID, model.Feedback{
		Type:  req.Type,
		Value: req.Value,
	})
	return err
}

func decode(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}
