package session

import (
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks streaming sessions, and slots reserved by sessions that
// are still launching.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session_id -> session
	pending  map[string]int      // user -> reserved slots
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		pending:  make(map[string]int),
	}
}

// Reserve claims a stream slot for userID unless the user already holds limit
// open or starting streams. A limit of 0 or less never refuses. The returned
// release gives the slot back and is safe to call more than once.
func (r *Registry) Reserve(userID string, limit int) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && r.countLocked(userID) >= limit {
		return nil, false
	}
	r.pending[userID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.pending[userID]--; r.pending[userID] <= 0 {
				delete(r.pending, userID)
			}
		})
	}, true
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountForUser returns the number of streams a user has open or starting.
func (r *Registry) CountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked(userID)
}

func (r *Registry) countLocked(userID string) int {
	n := r.pending[userID]
	for _, s := range r.sessions {
		if s.User == userID {
			n++
		}
	}
	return n
}

// CloseAll closes every tracked socket concurrently and waits for the close
// calls to return. Sessions tear down and remove themselves.
func (r *Registry) CloseAll(code websocket.StatusCode, reason string) int {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.end(code, reason)
		}()
	}
	wg.Wait()
	return len(all)
}
