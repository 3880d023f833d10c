package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// storageKey is the single key the session is stored under; the storage is
// expected to be namespaced by the caller.
const storageKey = "session"

// Evictor removes cached entries. Implemented by cache.ResourceCache.
type Evictor interface {
	Evict(patterns ...query.Pattern) int
}

// Listener is told about every session change. ok is false after Clear.
type Listener func(s Session, ok bool)

// Store is the process-wide session holder.
type Store struct {
	storage storage.Storage
	evictor Evictor
	now     func() time.Time

	// writeMu serializes Set and Clear so that the persisted value and the
	// in-memory value change in the same order.
	writeMu sync.Mutex

	mu          sync.RWMutex
	current     *Session
	subscribers map[uint64]Listener
	nextSubID   uint64
}

type Option func(*Store)

// WithClock overrides the clock used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(st storage.Storage, evictor Evictor, opts ...Option) *Store {
	s := &Store{
		storage:     st,
		evictor:     evictor,
		now:         time.Now,
		subscribers: map[uint64]Listener{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the live session, if any.
func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// Token returns the bearer token of the live session, or "" when signed out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return ""
	}
	return s.current.Token
}

// Set replaces the session. The session is persisted before any listener is
// told about it; if persistence fails nothing changes. When the new session
// belongs to a different user or role, cached entries scoped to the previous
// one are evicted.
func (s *Store) Set(ctx context.Context, next Session) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.storage.Save(ctx, storageKey, data); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}

	s.mu.Lock()
	previous := s.current
	s.current = &next
	listeners := s.listeners()
	s.mu.Unlock()

	if previous != nil && !sameIdentity(*previous, next) {
		evicted := s.evictor.Evict(query.SessionScoped())
		zerolog.Ctx(ctx).Info().
			Stringer("role", next.Role).
			Int("evicted", evicted).
			Msg("session identity changed; evicted scoped cache entries")
	}

	zerolog.Ctx(ctx).Info().
		Stringer("role", next.Role).
		Str("user", next.Profile.ID).
		Bool("replaced", previous != nil).
		Msg("session set")

	notify(listeners, next, true)
	return nil
}

// Clear ends the session: the persisted copy is deleted, every
// session-scoped cache entry is evicted and listeners are told. The in-memory
// session is cleared even when the storage delete fails; that error is
// returned so the caller can report it.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleteErr := s.storage.Delete(ctx, storageKey)

	s.mu.Lock()
	previous := s.current
	s.current = nil
	listeners := s.listeners()
	s.mu.Unlock()

	evicted := s.evictor.Evict(query.SessionScoped())

	ev := zerolog.Ctx(ctx).Info().Int("evicted", evicted)
	if previous != nil {
		ev = ev.Stringer("role", previous.Role).Str("user", previous.Profile.ID)
	}
	ev.Msg("session cleared")

	notify(listeners, Session{}, false)

	if deleteErr != nil {
		return fmt.Errorf("deleting persisted session: %w", deleteErr)
	}
	return nil
}

// Restore loads the persisted session at start-up. Unreadable, malformed or
// expired data is never surfaced: it is treated as "no session" and cleared
// so the next start is clean.
func (s *Store) Restore(ctx context.Context) (Session, bool) {
	data, found, err := s.storage.Load(ctx, storageKey)
	if err != nil {
		s.discard(ctx, "stored session unreadable", err)
		return Session{}, false
	}
	if !found {
		log.Info().Msg("no stored session")
		return Session{}, false
	}

	var restored Session
	if err := json.Unmarshal(data, &restored); err != nil {
		s.discard(ctx, "stored session malformed", err)
		return Session{}, false
	}
	if err := restored.Validate(); err != nil {
		s.discard(ctx, "stored session incomplete", err)
		return Session{}, false
	}
	if restored.Expired(s.now()) {
		s.discard(ctx, "stored session expired", nil)
		return Session{}, false
	}

	s.mu.Lock()
	s.current = &restored
	listeners := s.listeners()
	s.mu.Unlock()

	log.Info().
		Stringer("role", restored.Role).
		Str("user", restored.Profile.ID).
		Msg("session restored")

	notify(listeners, restored, true)
	return restored, true
}

func (s *Store) discard(ctx context.Context, reason string, cause error) {
	log.Warn().Err(cause).Msg(reason + "; clearing")

	if err := s.Clear(ctx); err != nil {
		log.Warn().Err(err).Msg("could not remove stored session")
	}
}

// Subscribe registers a listener for session changes. The returned function
// removes it and is safe to call more than once.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = listener

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers, id)
		})
	}
}

// listeners returns registered listeners in subscription order. Callers hold
// s.mu.
func (s *Store) listeners() []Listener {
	ids := make([]uint64, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subscribers[id])
	}
	return out
}

func notify(listeners []Listener, s Session, ok bool) {
	for _, l := range listeners {
		l(s, ok)
	}
}
