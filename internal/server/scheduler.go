package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNotPaused is returned by Step while scheduled cycles are running.
var ErrNotPaused = errors.New("step is only allowed while paused")

// CycleFunc runs one bounded processing cycle.
type CycleFunc func(ctx context.Context, limit int) error

// Scheduler fires cycles on a fixed interval. Pausing stops future cycles
// from starting; a cycle already in flight always finishes.
type Scheduler struct {
	interval time.Duration
	limit    int
	cycle    CycleFunc
	logger   *zap.Logger

	paused   atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewScheduler(interval time.Duration, limit int, cycle CycleFunc, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		limit:    limit,
		cycle:    cycle,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(startPaused bool) {
	s.paused.Store(startPaused)
	go s.loop()
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			if err := s.cycle(context.Background(), s.limit); err != nil {
				s.logger.Warn("scheduled cycle failed", zap.Error(err))
			}
		}
	}
}

// Pause stops future cycles from being scheduled.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume re-enables scheduled cycles.
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Paused reports the current scheduling state.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Step runs exactly one cycle, and only while paused.
func (s *Scheduler) Step(ctx context.Context) error {
	if !s.paused.Load() {
		return ErrNotPaused
	}
	return s.cycle(ctx, s.limit)
}

// Stop shuts the tick loop down and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
