package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store issues and validates opaque session tokens with a fixed TTL.
// Expired entries are purged lazily on Validate/Revoke; there is no
// background sweeper.
type Store struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]entry
}

type entry struct {
	createdAt time.Time
	expiresAt time.Time
}

// NewStore creates a store with the given token lifetime.
func NewStore(ttl time.Duration) *Store {
	return NewStoreWithClock(ttl, time.Now)
}

// NewStoreWithClock allows tests to control expiry.
func NewStoreWithClock(ttl time.Duration, now func() time.Time) *Store {
	return &Store{
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]entry),
	}
}

// Create issues a new unpredictable token.
func (s *Store) Create() string {
	token := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	s.sessions[token] = entry{createdAt: now, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()

	return token
}

// Validate reports whether token is known and unexpired. It fails closed:
// unknown, expired, and malformed tokens all return false.
func (s *Store) Validate(token string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[token]
	if !ok {
		return false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.sessions, token)
		return false
	}
	return true
}

// Revoke removes token. Revoking an unknown token is not an error.
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, token)
	s.purgeLocked()
}

// Len returns the number of live sessions, purging expired ones first.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()
	return len(s.sessions)
}

func (s *Store) purgeLocked() {
	now := s.now()
	for token, e := range s.sessions {
		if !now.Before(e.expiresAt) {
			delete(s.sessions, token)
		}
	}
}
