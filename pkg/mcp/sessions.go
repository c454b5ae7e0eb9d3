package mcp

import "sync"

// SessionRegistry maps execution correlation ids to the MCP session that
// asked to be notified about them.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]string // executionID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]string)}
}

// Watch associates an execution with a session. A later Watch of the same
// execution replaces the session.
func (r *SessionRegistry) Watch(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[executionID] = sessionID
}

// SessionFor returns the session watching executionID, if any.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.watchers[executionID]
	return sid, ok
}

// Forget stops notifying about executionID.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, executionID)
}

// Remove deletes every watch held by sessionID. Called when a session
// disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.watchers {
		if sid == sessionID {
			delete(r.watchers, eid)
		}
	}
}

// Len returns the number of watched executions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers)
}
