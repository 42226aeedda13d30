// Package sessions tracks live client conversations across transports. The
// store is the only mutable structure shared by concurrent transport
// callbacks; every mutation is atomic with respect to the others.
package sessions

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session id references an expired or absent
// session.
var ErrNotFound = errors.New("session not found")

// State describes a session's lifecycle phase.
type State string

const (
	StateActive   State = "active"
	StateExpiring State = "expiring"
	StateClosed   State = "closed"
)

// Binding is the transport-owned resource releaser for a session. Close is
// invoked exactly once, synchronously, before the session record disappears.
type Binding interface {
	Close() error
}

// BindingFunc adapts a function to the Binding interface.
type BindingFunc func() error

func (f BindingFunc) Close() error {
	if f == nil {
		return nil
	}
	return f()
}

// Session represents one logical client conversation bound to exactly one
// transport instance.
type Session struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	state        State

	binding   Binding
	closeOnce sync.Once
}

func newSession(binding Binding, now time.Time) *Session {
	return &Session{
		id:           uuid.NewString(),
		createdAt:    now,
		lastActivity: now,
		state:        StateActive,
		binding:      binding,
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation timestamp.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the most recent inbound message.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		s.lastActivity = now
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// release closes the transport binding at most once, even under concurrent
// removal paths (client termination racing the idle sweep).
func (s *Session) release() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		if s.binding != nil {
			err = s.binding.Close()
		}
	})
	return err
}
