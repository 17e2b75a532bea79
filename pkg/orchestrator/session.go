package orchestrator

import (
	"context"
	"sync"
)

// Session is one logical conversation: an opaque id, its VAD state,
// and free-form per-session data. Created lazily on first sample or
// first turn, destroyed only by explicit deletion.
type Session struct {
	mu sync.Mutex

	ID  string
	VAD VADProvider

	data         map[string]any
	activeCancel context.CancelFunc
}

// Set stores an opaque per-session value, serialized with every other
// access to this session.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = map[string]any{}
	}
	s.data[key] = value
}

func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Lock/Unlock expose the session's mutex directly, for callers that
// need strict mutual exclusion over session state (e.g. Get/Set
// sequences). Turn preemption does not use these: see BeginTurn.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// BeginTurn cancels whatever turn is currently active for this session
// (if any) and returns a context, derived from parent, that the new
// turn must run under. This is how "a new utterance preempts any
// response still being produced for the same session" is implemented:
// the old turn's Pipeline.Invoke call observes ctx.Done() and winds
// down instead of continuing to emit chunks after the new turn starts.
func (s *Session) BeginTurn(parent context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCancel != nil {
		s.activeCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	s.activeCancel = cancel
	return ctx
}

// SessionRegistry is a concurrent-safe keyed map from session_id to
// Session. get_session creates on miss; reset_session clears VAD state
// but retains the entry; delete_session removes it. Cross-key
// operations are independent; within one key, callers serialize via
// Session.Lock/Unlock.
type SessionRegistry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	vadTemplate VADProvider
}

// NewSessionRegistry builds a registry that clones vadTemplate for
// every new session, mirroring the teacher's per-stream VAD clone
// convention.
func NewSessionRegistry(vadTemplate VADProvider) *SessionRegistry {
	return &SessionRegistry{
		sessions:    map[string]*Session{},
		vadTemplate: vadTemplate,
	}
}

// GetSession returns the session for id, creating it on first access.
func (r *SessionRegistry) GetSession(id string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s = &Session{ID: id, VAD: r.vadTemplate.Clone()}
	r.sessions[id] = s
	return s
}

// ResetSession clears the session's VAD recording state but keeps the
// entry (and any opaque data) in place. No-op if the session does not
// exist.
func (r *SessionRegistry) ResetSession(id string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.Lock()
	defer s.Unlock()
	s.VAD.Reset()
}

// DeleteSession removes the entry entirely. Idempotent.
func (r *SessionRegistry) DeleteSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports the number of live sessions, for tests and metrics.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
