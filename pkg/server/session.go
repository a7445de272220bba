package server

import (
	"net"
	"sync"
)

// Session represents one active client connection and its state machine
// instance. A session starts unauthenticated; a successful login or
// registration binds it to a username, logout clears the binding, and the
// registry entry lives until disconnect.
type Session struct {
	ID   uint64
	Conn *SafeConn

	mu       sync.RWMutex
	username string // bound user, "" while unauthenticated
}

// Username returns the bound username, or "" while unauthenticated
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Registry is the process-wide table of active sessions. It supports lookup
// by username for direct routing and iteration for broadcast fan-out.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byUser   map[string]*Session
	nextID   uint64
	metrics  *Metrics
}

// NewRegistry creates an empty session registry
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		byUser:   make(map[string]*Session),
		nextID:   1,
		metrics:  metrics,
	}
}

// Add registers a new unauthenticated session for a connection
func (r *Registry) Add(conn net.Conn) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := &Session{
		ID:   r.nextID,
		Conn: NewSafeConn(conn),
	}
	r.nextID++
	r.sessions[sess.ID] = sess

	r.metrics.RecordSessionCreated()
	r.metrics.RecordActiveSessions(len(r.sessions))

	return sess
}

// Bind attaches an authenticated username to a session
func (r *Registry) Bind(sess *Session, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess.mu.Lock()
	sess.username = username
	sess.mu.Unlock()

	r.byUser[username] = sess
}

// Unbind clears a session's user binding (logout); the session entry
// itself stays until disconnect
func (r *Registry) Unbind(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess.mu.Lock()
	username := sess.username
	sess.username = ""
	sess.mu.Unlock()

	if username != "" && r.byUser[username] == sess {
		delete(r.byUser, username)
	}
}

// Remove drops a session from the registry and closes its connection
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()

	if _, ok := r.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.ID)

	sess.mu.Lock()
	username := sess.username
	sess.username = ""
	sess.mu.Unlock()

	if username != "" && r.byUser[username] == sess {
		delete(r.byUser, username)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordSessionDisconnected()
	r.metrics.RecordActiveSessions(count)

	sess.Conn.Close()
}

// FindByUser returns the live session bound to a username
func (r *Registry) FindByUser(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.byUser[username]
	return sess, ok
}

// All returns a snapshot of every active session
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of active sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session connection (shutdown path)
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		sess.Conn.Close()
	}
	r.sessions = make(map[uint64]*Session)
	r.byUser = make(map[string]*Session)
}
