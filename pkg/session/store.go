package session

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config sizes the store. Zero TTL and MaxSessions take the defaults
// below. Window zero is meaningful (stateless chat: sessions exist but
// carry no turns); a negative Window takes the default.
type Config struct {
	// Window is the maximum number of turns retained per session.
	Window int

	// TTL evicts sessions idle longer than this.
	TTL time.Duration

	// MaxSessions is the soft cap; exceeding it evicts least recently
	// active sessions.
	MaxSessions int
}

const (
	DefaultWindow      = 3
	DefaultTTL         = 60 * time.Minute
	DefaultMaxSessions = 10000
)

func (c *Config) setDefaults() {
	if c.Window < 0 {
		c.Window = DefaultWindow
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
}

type entry struct {
	mu         sync.Mutex
	id         string
	turns      []Turn
	metadata   map[string]string
	createdAt  time.Time
	lastActive time.Time
	lruElem    *list.Element
}

// Store owns all sessions. A single mutex guards the session table and the
// LRU list; each session carries its own lock so operations on one session
// serialize without blocking other sessions.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	lru      *list.List // front = most recently active
	cfg      Config
	now      func() time.Time
}

func NewStore(cfg Config) *Store {
	cfg.setDefaults()
	return &Store{
		sessions: make(map[string]*entry),
		lru:      list.New(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// GetOrCreate resolves a session, creating it on first reference. An empty
// id gets a freshly generated one. Returns the effective session id.
func (s *Store) GetOrCreate(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	s.getOrCreateLocked(id)
	s.mu.Unlock()
	return id
}

func (s *Store) getOrCreateLocked(id string) *entry {
	if e, ok := s.sessions[id]; ok {
		return e
	}
	now := s.now()
	e := &entry{
		id:         id,
		metadata:   make(map[string]string),
		createdAt:  now,
		lastActive: now,
	}
	e.lruElem = s.lru.PushFront(e)
	s.sessions[id] = e

	for len(s.sessions) > s.cfg.MaxSessions {
		s.evictOldestLocked()
	}
	return e
}

func (s *Store) evictOldestLocked() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	victim := back.Value.(*entry)
	s.lru.Remove(back)
	delete(s.sessions, victim.id)
	slog.Debug("session evicted by capacity", "session_id", victim.id)
}

func (s *Store) lookup(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id)
}

// touch refreshes activity. lastActive is guarded by the session lock so
// Snapshot sees a consistent read; the LRU move needs the store lock. The
// two locks are never held together, so lock order cannot deadlock against
// EvictExpired.
func (s *Store) touch(e *entry) {
	now := s.now()
	e.mu.Lock()
	e.lastActive = now
	e.mu.Unlock()

	s.mu.Lock()
	if e.lruElem != nil {
		s.lru.MoveToFront(e.lruElem)
	}
	s.mu.Unlock()
}

// AppendTurn appends a turn and trims the window from the head. Appends on
// the same session serialize on the session lock.
func (s *Store) AppendTurn(id string, turn Turn) {
	e := s.lookup(id)

	e.mu.Lock()
	e.turns = append(e.turns, turn)
	if over := len(e.turns) - s.cfg.Window; over > 0 {
		e.turns = append([]Turn(nil), e.turns[over:]...)
	}
	e.mu.Unlock()

	s.touch(e)
}

// UpdateMetadata overwrites a metadata key atomically.
func (s *Store) UpdateMetadata(id, key, value string) {
	e := s.lookup(id)

	e.mu.Lock()
	e.metadata[key] = value
	e.mu.Unlock()

	s.touch(e)
}

// Snapshot returns an immutable copy of the session state.
func (s *Store) Snapshot(id string) Snapshot {
	e := s.lookup(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	turns := make([]Turn, len(e.turns))
	copy(turns, e.turns)
	metadata := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		metadata[k] = v
	}
	return Snapshot{
		ID:         e.id,
		Turns:      turns,
		Metadata:   metadata,
		CreatedAt:  e.createdAt,
		LastActive: e.lastActive,
	}
}

// EvictExpired removes sessions idle past the TTL as of now. Returns the
// number evicted.
func (s *Store) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for elem := s.lru.Back(); elem != nil; {
		e := elem.Value.(*entry)
		e.mu.Lock()
		lastActive := e.lastActive
		e.mu.Unlock()
		if now.Sub(lastActive) < s.cfg.TTL {
			// The LRU list is ordered by activity; everything further
			// forward is fresher.
			break
		}
		prev := elem.Prev()
		s.lru.Remove(elem)
		delete(s.sessions, e.id)
		evicted++
		elem = prev
	}
	if evicted > 0 {
		slog.Debug("sessions evicted by TTL", "count", evicted)
	}
	return evicted
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Window returns the configured turn window.
func (s *Store) Window() int {
	return s.cfg.Window
}

// Run sweeps expired sessions until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.EvictExpired(now)
		}
	}
}
