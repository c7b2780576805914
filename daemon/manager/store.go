package manager

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionAlreadyExists   = errors.New("session already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// SessionStore manages in-memory session storage, optionally mirrored to a
// PersistentStore so an in-flight transfer's bookkeeping survives a restart.
type SessionStore struct {
	sessions map[string]*Session
	persist  *PersistentStore
	mu       sync.RWMutex
}

// NewSessionStore creates a new session store
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
	}
}

// SetPersistence attaches a PersistentStore: subsequent Add/Update/Delete
// calls also mirror to it. Persistence errors are not fatal to the
// in-memory operation since the store is authoritative at runtime.
func (s *SessionStore) SetPersistence(ps *PersistentStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = ps
}

// RestoreFrom loads every session known to ps into the in-memory store,
// for recovering session bookkeeping after a daemon restart.
func (s *SessionStore) RestoreFrom(ps *PersistentStore) (int, error) {
	sessions, _, err := ps.ListSessions(nil, 1<<30, 0)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range sessions {
		s.sessions[session.ID] = session
	}
	return len(sessions), nil
}

// Add adds a new session to the store
func (s *SessionStore) Add(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrSessionAlreadyExists
	}

	s.sessions[session.ID] = session
	if s.persist != nil {
		_ = s.persist.SaveSession(session)
	}
	return nil
}

// Get retrieves a session by ID
func (s *SessionStore) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	
	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	
	return session, nil
}

// Update updates an existing session
func (s *SessionStore) Update(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists {
		return ErrSessionNotFound
	}

	s.sessions[session.ID] = session
	if s.persist != nil {
		_ = s.persist.SaveSession(session)
	}
	return nil
}

// Delete removes a session from the store
func (s *SessionStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return ErrSessionNotFound
	}

	delete(s.sessions, sessionID)
	if s.persist != nil {
		_ = s.persist.DeleteSession(sessionID)
	}
	return nil
}

// List returns all sessions matching optional filter
func (s *SessionStore) List(filterState *TransferState, limit, offset int) ([]*Session, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	
	var filtered []*Session
	for _, session := range s.sessions {
		if filterState != nil && session.State != *filterState {
			continue
		}
		filtered = append(filtered, session)
	}
	
	total := len(filtered)
	
	// Apply pagination
	if offset >= len(filtered) {
		return []*Session{}, total
	}
	
	end := offset + limit
	if end > len(filtered) || limit == 0 {
		end = len(filtered)
	}
	
	return filtered[offset:end], total
}

// CleanupOldSessions removes terminal sessions older than maxAge from both
// the in-memory map and, if attached, the PersistentStore — previously this
// only dropped the in-memory entry, leaving an orphan row in SQLite on
// every restart once a PersistentStore was wired in.
func (s *SessionStore) CleanupOldSessions(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for id, session := range s.sessions {
		if session.IsPrunable(cutoff) {
			delete(s.sessions, id)
			if s.persist != nil {
				_ = s.persist.DeleteSession(id)
			}
			removed++
		}
	}

	if s.persist != nil {
		if n, err := s.persist.PruneCompletedBefore(cutoff); err == nil {
			removed += n
		}
	}

	return removed
}

// Count returns the total number of sessions
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
