package invitations

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps invitation ids to their current session.
// It is safe for concurrent use; distinct ids never contend beyond the
// map lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]Session)}
}

// Register adds s. It fails with ErrDuplicate if the id is taken.
func (r *Registry) Register(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return ErrDuplicate
	}
	r.sessions[s.ID()] = s
	return nil
}

// Lookup returns the session for id.
func (r *Registry) Lookup(id uuid.UUID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id and returns the removed session.
func (r *Registry) Remove(id uuid.UUID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Replace swaps old for next if old is still registered under its id.
func (r *Registry) Replace(old, next Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[old.ID()]; !ok || cur != old {
		return false
	}
	r.sessions[next.ID()] = next
	return true
}

// Reap removes all terminal sessions and returns them.
func (r *Registry) Reap() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []Session
	for id, s := range r.sessions {
		if s.State().IsTerminal() {
			delete(r.sessions, id)
			reaped = append(reaped, s)
		}
	}
	return reaped
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Range calls fn for a snapshot of the sessions until fn returns false.
func (r *Registry) Range(fn func(Session) bool) {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if !fn(s) {
			return
		}
	}
}
