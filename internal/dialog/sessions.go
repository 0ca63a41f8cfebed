package dialog

import "sync"

// sessionStore maps a dialog key to its live backend session. The
// store's mutex protects only map structure; inserting or removing a
// given key happens exclusively on code paths that hold that key's
// dialog lock, which is what makes a Session safe to use despite not
// being thread-safe itself.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]Session)}
}

func (s *sessionStore) get(key string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

func (s *sessionStore) put(key string, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = sess
}

// invalidate removes the mapping for key. Missing keys are a no-op;
// the caller decides whether that is worth a diagnostic.
func (s *sessionStore) invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return false
	}
	delete(s.sessions, key)
	return true
}

func (s *sessionStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
