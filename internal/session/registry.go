// Package session tracks live transport-level connections to the MCP server
// and their optional link to an authentication session. Transport and
// authentication lifetimes are deliberately independent: dropping a
// connection never touches the token store, so a grant survives reconnects.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Session is one live client connection.
type Session struct {
	ID string

	// Transport is an opaque handle to the underlying connection (for SSE,
	// the event channel). Owned by the transport layer.
	Transport any

	// APIClient is an opaque per-session handle to the downstream API.
	APIClient any

	// AuthSessionID links this connection to an authentication session, or
	// is empty while the client has not completed the OAuth flow.
	AuthSessionID string

	CreatedAt  time.Time
	LastAccess time.Time
}

// Registry is a thread-safe registry of live sessions with a reverse index
// from authentication-session id to session id. Both indices mutate under one
// lock so they can never disagree.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byAuthID map[string]string

	idleTimeout time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRegistry creates a registry whose sessions are evicted after idleTimeout
// without access. A background loop sweeps idle sessions until Stop is called.
func NewRegistry(idleTimeout time.Duration) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		byAuthID:    make(map[string]string),
		idleTimeout: idleTimeout,
		stopCleanup: make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// Add registers a new session. An existing session under the same id is
// replaced, its reverse-index entry included.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastAccess = now

	if prev, ok := r.sessions[s.ID]; ok && prev.AuthSessionID != "" {
		delete(r.byAuthID, prev.AuthSessionID)
	}

	r.sessions[s.ID] = s
	if s.AuthSessionID != "" {
		r.linkLocked(s)
	}
}

// Get returns the session for id and marks it accessed.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	s.LastAccess = time.Now()
	return s, true
}

// GetByAuthID resolves an authentication-session id to its live session.
func (r *Registry) GetByAuthID(authID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAuthID[authID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// Link attaches an authentication session to a transport session. At most one
// transport session may hold a given authentication session: a prior holder
// is unlinked first.
func (r *Registry) Link(sessionID, authID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}

	if prevID, held := r.byAuthID[authID]; held && prevID != sessionID {
		if prev, ok := r.sessions[prevID]; ok {
			prev.AuthSessionID = ""
		}
		log.Debug().Str("auth_session", authID).Str("previous", prevID).Msg("auth session relinked to new transport session")
	}
	if s.AuthSessionID != "" && s.AuthSessionID != authID {
		delete(r.byAuthID, s.AuthSessionID)
	}

	s.AuthSessionID = authID
	r.linkLocked(s)
	return true
}

// Delete removes a session and its reverse-index entry. Token records are
// never touched here.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(id)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stop terminates the idle sweep loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCleanup)
	})
}

func (r *Registry) linkLocked(s *Session) {
	r.byAuthID[s.AuthSessionID] = s.ID
}

func (r *Registry) deleteLocked(id string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)

	// Only drop the reverse entry if it still points at this session.
	if s.AuthSessionID != "" && r.byAuthID[s.AuthSessionID] == id {
		delete(r.byAuthID, s.AuthSessionID)
	}
}

func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCleanup:
			return
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, s := range r.sessions {
		if time.Since(s.LastAccess) > r.idleTimeout {
			r.deleteLocked(id)
			count++
		}
	}
	if count > 0 {
		log.Debug().Int("count", count).Msg("evicted idle sessions")
	}
}
