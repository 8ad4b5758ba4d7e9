package session

import (
	"sync"

	"github.com/google/uuid"

	"cryptoguard/logger"
)

// Registry maps session ids to live sessions. Lookups only take a read lock
// and never wait on reconciliation work.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	log      *logger.Log
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		log:      logger.GetLogger(),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.log.WithComponent("session_registry").WithFields(logger.Fields{
		"session_id": s.ID.String(),
		"name":       s.Name,
	}).Info("session registered")
}

// Remove drops a session and reports whether it existed.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		r.log.WithComponent("session_registry").WithFields(logger.Fields{
			"session_id": id.String(),
		}).Info("session removed")
	}
	return ok
}

func (r *Registry) SessionIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// TryGet returns the session or false. A missing session is not an error.
func (r *Registry) TryGet(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
