// Package sessions owns the running lifecycle engines, one per
// signed-in worker.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitabee/donezo-sub000/internal/lifecycle"
)

var ErrNotFound = errors.New("session not found")

// Factory builds a loaded engine for one worker. The registry calls it
// at most once per concurrent session.
type Factory func(ctx context.Context, userID, tier string) (*lifecycle.Engine, error)

type Session struct {
	ID        string
	UserID    string
	Tier      string
	CreatedAt time.Time
	Engine    *lifecycle.Engine

	cancel context.CancelFunc
}

type Registry struct {
	mu       sync.Mutex
	factory  Factory
	sessions map[string]*Session
	byUser   map[string]string
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:  factory,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
	}
}

// Open returns the worker's existing session or starts a new engine.
// Reusing the session on repeat sign-in keeps one engine per worker.
func (r *Registry) Open(ctx context.Context, userID, tier string) (*Session, error) {
	r.mu.Lock()
	if id, ok := r.byUser[userID]; ok {
		s := r.sessions[id]
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	engine, err := r.factory(ctx, userID, tier)
	if err != nil {
		return nil, fmt.Errorf("build engine for %s: %w", userID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
		Engine:    engine,
		cancel:    cancel,
	}

	r.mu.Lock()
	// A concurrent Open for the same user may have won the race.
	if id, ok := r.byUser[userID]; ok {
		existing := r.sessions[id]
		r.mu.Unlock()
		cancel()
		return existing, nil
	}
	r.sessions[s.ID] = s
	r.byUser[userID] = s.ID
	r.mu.Unlock()

	go engine.Run(runCtx)
	log.Printf("sessions: opened session=%s user=%s tier=%s", s.ID, userID, tier)
	return s, nil
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Close stops the session's engine and its timers.
func (r *Registry) Close(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		delete(r.byUser, s.UserID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.cancel()
	log.Printf("sessions: closed session=%s user=%s", s.ID, s.UserID)
	return nil
}

// CloseAll tears down every session; used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.byUser = make(map[string]string)
	r.mu.Unlock()
	for _, s := range all {
		s.cancel()
	}
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
