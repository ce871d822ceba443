package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-capture/internal/pipeline"
)

// PipelineFactory builds a fresh pipeline for a new session id.
type PipelineFactory func(id string) *pipeline.Pipeline

type session struct {
	pipeline *pipeline.Pipeline
	touched  time.Time
}

// Sessions tracks the live receipt pipelines, one per client session.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*session
	factory  PipelineFactory
	now      func() time.Time
	logger   *slog.Logger
}

// NewSessions creates an empty registry.
func NewSessions(factory PipelineFactory, logger *slog.Logger) *Sessions {
	return NewSessionsWithClock(factory, time.Now, logger)
}

// NewSessionsWithClock creates a registry with a custom clock for idle tracking.
func NewSessionsWithClock(factory PipelineFactory, now func() time.Time, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		sessions: make(map[string]*session),
		factory:  factory,
		now:      now,
		logger:   logger,
	}
}

// Create registers a new idle pipeline.
func (s *Sessions) Create() *pipeline.Pipeline {
	p := s.factory(uuid.NewString())
	s.mu.Lock()
	s.sessions[p.ID()] = &session{pipeline: p, touched: s.now()}
	s.mu.Unlock()
	return p
}

// Get returns the pipeline for id and marks it as used.
func (s *Sessions) Get(id string) (*pipeline.Pipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	sess.touched = s.now()
	return sess.pipeline, true
}

// Remove forgets id. Removing an unknown id is a no-op.
func (s *Sessions) Remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep cancels and drops every session untouched for longer than maxIdle.
// It returns how many were dropped.
func (s *Sessions) Sweep(ctx context.Context, maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)

	s.mu.Lock()
	var expired []*pipeline.Pipeline
	for id, sess := range s.sessions {
		if sess.touched.Before(cutoff) {
			expired = append(expired, sess.pipeline)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		err := p.Cancel(ctx)
		if err != nil && !errors.Is(err, pipeline.ErrInvalidTransition) {
			s.logger.Warn("Failed to cancel idle session", "session", p.ID(), "error", err)
		}
	}
	if len(expired) > 0 {
		s.logger.Info("Dropped idle sessions", "count", len(expired))
	}
	return len(expired)
}

// Janitor sweeps idle sessions every interval until ctx is done.
func (s *Sessions) Janitor(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, maxIdle)
		}
	}
}
