package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultIdleTimeout is how long a session may stay quiet before the
	// sweep evicts it.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultSweepInterval is how often the sweep runs.
	DefaultSweepInterval = time.Minute
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIdleTimeout overrides the idle eviction threshold.
func WithIdleTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithClock substitutes the wall clock, primarily for tests.
func WithClock(c clockwork.Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the store's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store owns the live session set. All operations are safe for concurrent use
// by multiple transport callbacks.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	clock         clockwork.Clock
	idleTimeout   time.Duration
	sweepInterval time.Duration
	log           *slog.Logger
	startedAt     time.Time
}

// NewStore constructs an empty session store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions:      make(map[string]*Session),
		clock:         clockwork.NewRealClock(),
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.clock.Now()
	return s
}

// Create allocates a fresh session bound to the given transport resources.
// The id is a v4 UUID, so concurrent creation cannot collide with a live id.
func (s *Store) Create(binding Binding) *Session {
	sess := newSession(binding, s.clock.Now())
	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.log.Debug("session.create.ok", slog.String("session_id", sess.id), slog.Int("active", n))
	return sess
}

// Get returns the live session for id or ErrNotFound.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Touch refreshes a session's activity timestamp. Touching a session that no
// longer exists is a no-op: callers sit on best-effort paths.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		sess.touch(s.clock.Now())
	}
}

// Remove deletes the session and releases its transport resources. It is an
// atomic check-and-delete: of two concurrent removals, exactly one releases
// the binding and the other observes a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	// Resource release happens outside the store lock but before this call
	// returns, so callers observe a fully-released session.
	if err := sess.release(); err != nil {
		s.log.Warn("session.release.fail", slog.String("session_id", id), slog.String("err", err.Error()))
	}
	s.log.Debug("session.remove.ok", slog.String("session_id", id))
}

// Sweep evicts every session idle past the configured timeout and returns the
// number removed. Each eviction follows the same release path as Remove.
func (s *Store) Sweep() int {
	cutoff := s.clock.Now().Add(-s.idleTimeout)

	s.mu.Lock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.LastActivity().Before(cutoff) {
			sess.setState(StateExpiring)
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.Remove(id)
	}
	if len(expired) > 0 {
		s.log.Info("session.sweep.ok", slog.Int("evicted", len(expired)), slog.Int("active", s.Active()))
	}
	return len(expired)
}

// Run drives the periodic sweep until ctx is canceled. A failing sweep
// iteration is logged and swallowed; the timer keeps ticking.
func (s *Store) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.sweepSafely()
		}
	}
}

func (s *Store) sweepSafely() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session.sweep.panic", slog.Any("panic", r))
		}
	}()
	s.Sweep()
}

// Shutdown removes every session unconditionally. It returns once all
// bindings are released or the context expires.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, id := range ids {
			s.Remove(id)
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("session.shutdown.ok", slog.Int("removed", len(ids)))
		return nil
	case <-ctx.Done():
		s.log.Warn("session.shutdown.timeout", slog.Int("pending", len(ids)))
		return ctx.Err()
	}
}

// Active returns the number of live sessions.
func (s *Store) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Uptime reports how long the store has been serving.
func (s *Store) Uptime() time.Duration {
	return s.clock.Now().Sub(s.startedAt)
}
