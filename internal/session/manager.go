package session

import (
	"sync"
)

// Manager holds the live machines, one per active session. Machines are
// created lazily on first use and dropped when the session is closed or the
// worker retires.
type Manager struct {
	mu       sync.Mutex
	machines map[int64]*Machine
}

// NewManager builds an empty machine registry.
func NewManager() *Manager {
	return &Manager{machines: make(map[int64]*Machine)}
}

// Get returns the live machine for a session, if any.
func (r *Manager) Get(sessionID int64) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[sessionID]
	return m, ok
}

// Put registers a machine for a session, replacing any previous one.
func (r *Manager) Put(sessionID int64, m *Machine) {
	r.mu.Lock()
	r.machines[sessionID] = m
	r.mu.Unlock()
}

// Remove drops a session's machine.
func (r *Manager) Remove(sessionID int64) {
	r.mu.Lock()
	delete(r.machines, sessionID)
	r.mu.Unlock()
}

// RemoveOwned drops every machine belonging to one user.
func (r *Manager) RemoveOwned(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.machines {
		if m.Session().UserID == userID {
			delete(r.machines, id)
		}
	}
}

// Len reports how many machines are live.
func (r *Manager) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}
