package session

import (
	"sync"
	"time"
)

// Registry tracks live sessions by chat. It is an explicit dependency
// passed by reference; there is no package-global session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	finished map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		finished: make(map[string]time.Time),
	}
}

// Add registers a session under its chat id, replacing any finished
// predecessor.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ChatID] = s
	delete(r.finished, s.ChatID)
}

// Get returns the session for a chat.
func (r *Registry) Get(chatID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// MarkFinished records when a session reached a terminal status so the
// cleanup sweep can evict it after the retention window.
func (r *Registry) MarkFinished(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[chatID]; ok {
		r.finished[chatID] = time.Now()
	}
}

// Active counts sessions that have not finished.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions) - len(r.finished)
}

// Len counts all tracked sessions, finished included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts sessions that finished more than retention ago and
// returns how many were removed.
func (r *Registry) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted int
	for chatID, at := range r.finished {
		if at.Before(cutoff) {
			delete(r.sessions, chatID)
			delete(r.finished, chatID)
			evicted++
		}
	}
	return evicted
}
