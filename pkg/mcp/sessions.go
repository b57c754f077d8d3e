package mcp

import (
	"sort"
	"sync"
)

type session struct {
	sessionID string
	tenantID  string
}

// SessionRegistry maps agent IDs to MCP session IDs and the tenant they
// act for. Populated automatically when agents call any tool that includes
// agent_id and tenant_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]session // agentID → session
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]session)}
}

// Register associates an agent ID with a session ID and tenant.
// If the agent already has a session, it is overwritten (reconnect).
// An empty tenantID keeps the previously known tenant.
func (r *SessionRegistry) Register(agentID, sessionID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tenantID == "" {
		tenantID = r.sessions[agentID].tenantID
	}
	r.sessions[agentID] = session{sessionID: sessionID, tenantID: tenantID}
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agentID]
	return s.sessionID, ok
}

// SessionsForTenant returns the distinct session IDs acting for tenantID.
func (r *SessionRegistry) SessionsForTenant(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.sessions {
		if s.tenantID != tenantID || seen[s.sessionID] {
			continue
		}
		seen[s.sessionID] = true
		out = append(out, s.sessionID)
	}
	sort.Strings(out)
	return out
}

// Remove deletes all agent mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, s := range r.sessions {
		if s.sessionID == sessionID {
			delete(r.sessions, aid)
		}
	}
}
