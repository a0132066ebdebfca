// Package server exposes the reactive core over a single WebSocket
// endpoint: every mutation and event is pushed to all connected observers,
// and the same socket accepts control and mutation commands.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"mindloop/internal/notify"
	"mindloop/internal/reasoner"
	"mindloop/internal/store"
)

// SettingsFunc returns the current client-visible configuration, pushed on
// connect and whenever configuration changes.
type SettingsFunc func() map[string]any

// Server hosts the WebSocket endpoint and the cycle scheduler.
type Server struct {
	addr string
	path string

	store       *store.Store
	reasoner    *reasoner.Reasoner
	broadcaster *notify.Broadcaster
	scheduler   *Scheduler
	settings    SettingsFunc
	logger      *zap.Logger

	httpServer *http.Server
}

// New wires a Server. The scheduler is started and stopped by the Server.
func New(addr, path string, st *store.Store, rsn *reasoner.Reasoner, broadcaster *notify.Broadcaster, scheduler *Scheduler, settings SettingsFunc, logger *zap.Logger) *Server {
	s := &Server{
		addr:        addr,
		path:        path,
		store:       st,
		reasoner:    rsn,
		broadcaster: broadcaster,
		scheduler:   scheduler,
		settings:    settings,
		logger:      logger,
	}
	mux := http.NewServeMux()
	mux.Handle(path, websocket.Handler(s.handleConn))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins scheduling cycles and serving connections. It blocks until
// Shutdown is called or the listener fails.
func (s *Server) Start(startPaused bool) error {
	s.scheduler.Start(startPaused)
	s.logger.Info("listening",
		zap.String("addr", s.addr),
		zap.String("path", s.path))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the scheduler, then drains the HTTP server. An in-flight
// cycle finishes before Stop returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.scheduler.Stop()
	return s.httpServer.Shutdown(ctx)
}

// PushSettings broadcasts the current settings to every observer. Called
// when configuration is reloaded.
func (s *Server) PushSettings() {
	s.broadcaster.Publish(notify.Message{
		Type:    notify.TypeSettings,
		Payload: s.settings(),
	})
}

// Handler exposes the WebSocket handler for tests.
func (s *Server) Handler() http.Handler {
	return websocket.Handler(s.handleConn)
}

// sendFunc serializes one push to a single connection.
type sendFunc func(notify.Message)

func (s *Server) handleConn(ws *websocket.Conn) {
	defer ws.Close()
	logger := s.logger.With(zap.String("remote", ws.Request().RemoteAddr))
	logger.Debug("observer connected")

	msgs, cancel := s.broadcaster.Subscribe()
	defer cancel()

	var writeMu sync.Mutex
	send := sendFunc(func(m notify.Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := websocket.JSON.Send(ws, m); err != nil {
			logger.Debug("push failed", zap.Error(err))
		}
	})

	s.sendInit(send)
	send(notify.Message{Type: notify.TypeSettings, Payload: s.settings()})

	go func() {
		for m := range msgs {
			send(m)
		}
	}()

	for {
		var req request
		if err := websocket.JSON.Receive(ws, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("read failed", zap.Error(err))
			}
			logger.Debug("observer disconnected")
			return
		}
		s.dispatch(context.Background(), req, send)
	}
}

// sendInit pushes the full current graph and Guide set to a fresh
// connection.
func (s *Server) sendInit(send sendFunc) {
	payload, err := s.initPayload()
	if err != nil {
		s.logger.Warn("building init payload", zap.Error(err))
		send(notify.Message{Type: notify.TypeError, Payload: map[string]any{
			"message": "failed to load initial state",
		}})
		return
	}
	send(notify.Message{Type: notify.TypeInit, Payload: payload})
}

func (s *Server) initPayload() (map[string]any, error) {
	graph, err := s.store.ListGraph()
	if err != nil {
		return nil, err
	}
	guides, err := s.store.ListGuides()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"graph":  graph,
		"guides": guides,
		"paused": s.scheduler.Paused(),
	}, nil
}
