package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/signpad/session"
)

// Registry errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many open sessions")
)

// Registry holds the open sessions and expires idle ones.
type Registry struct {
	ttl    time.Duration
	max    int
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session

	// onClose, if set, runs after a session is removed and closed.
	onClose func(id string)
	// watched, if set, reports whether a client is following a session.
	// Watched sessions never expire.
	watched func(id string) bool
}

// NewRegistry creates a registry. A zero ttl disables expiry and a zero max
// disables the session cap.
func NewRegistry(ttl time.Duration, max int, clock clockwork.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		ttl:      ttl,
		max:      max,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*session.Session),
	}
}

// Add registers s.
func (r *Registry) Add(s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.sessions) >= r.max {
		return fmt.Errorf("%w: limit %d", ErrTooManySessions, r.max)
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Remove closes and forgets the session with the given ID.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return r.close(s)
}

func (r *Registry) close(s *session.Session) error {
	err := s.Close()
	if r.onClose != nil {
		r.onClose(s.ID)
	}
	return err
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reap closes sessions idle for longer than the TTL and returns how many
// were closed. A watched session is marked active instead, so its idle time
// counts from the last reap that saw it watched.
func (r *Registry) Reap() int {
	if r.ttl <= 0 {
		return 0
	}
	now := r.clock.Now()
	var expired []*session.Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if r.watched != nil && r.watched(id) {
			s.Touch()
			continue
		}
		if now.Sub(s.LastActive()) > r.ttl {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.close(s)
		r.logger.Info("session expired", "session", s.ID)
	}
	return len(expired)
}

// Run reaps idle sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	interval := r.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Reap()
		}
	}
}

// Close closes every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := r.close(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
