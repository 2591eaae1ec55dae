// Package auth holds the in-process identity layer: Google OAuth sign-in and
// the cookie-backed session store that maps browser sessions to mailbox
// identities and their tokens.
package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// stateTTL bounds how long an issued OAuth state nonce stays redeemable.
const stateTTL = 10 * time.Minute

// Session is one signed-in browser session.
type Session struct {
	ID        string
	Identity  string // mailbox address
	Token     *oauth2.Token
	CreatedAt time.Time
}

// Store keeps sessions and pending OAuth states in memory. Entries expire at
// read time; there is no background reaper.
type Store struct {
	mu     sync.Mutex
	ttl    time.Duration
	byID   map[string]*Session
	byUser map[string]string // identity -> session id
	states map[string]time.Time
	now    func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		ttl:    ttl,
		byID:   make(map[string]*Session),
		byUser: make(map[string]string),
		states: make(map[string]time.Time),
		now:    time.Now,
	}
}

// NewState issues a fresh OAuth state nonce.
func (s *Store) NewState() string {
	state := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = s.now().Add(stateTTL)
	for k, exp := range s.states {
		if s.now().After(exp) {
			delete(s.states, k)
		}
	}
	return state
}

// ConsumeState redeems a nonce exactly once.
func (s *Store) ConsumeState(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return s.now().Before(exp)
}

// Create registers a signed-in session and returns its id. A prior session
// for the same identity is replaced.
func (s *Store) Create(identity string, token *oauth2.Token) *Session {
	sess := &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		Token:    token,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.CreatedAt = s.now()
	if old, ok := s.byUser[identity]; ok {
		delete(s.byID, old)
	}
	s.byID[sess.ID] = sess
	s.byUser[identity] = sess.ID
	return sess
}

// Get returns a live session by id. Expired sessions are dropped.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	if s.now().Sub(sess.CreatedAt) > s.ttl {
		s.removeLocked(sess)
		return nil, false
	}
	return sess, true
}

// ByIdentity returns the live session for a mailbox identity.
func (s *Store) ByIdentity(identity string) (*Session, bool) {
	s.mu.Lock()
	id, ok := s.byUser[identity]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

// UpdateToken persists a refreshed token back onto the session.
func (s *Store) UpdateToken(id string, token *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byID[id]; ok && token != nil {
		sess.Token = token
	}
}

// Delete removes a session by id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byID[id]; ok {
		s.removeLocked(sess)
	}
}

func (s *Store) removeLocked(sess *Session) {
	delete(s.byID, sess.ID)
	if cur, ok := s.byUser[sess.Identity]; ok && cur == sess.ID {
		delete(s.byUser, sess.Identity)
	}
}
