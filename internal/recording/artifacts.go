package recording

import "sync"

// Artifacts holds at most one downloadable artifact per session. Publishing
// a new one releases the previous handle.
type Artifacts struct {
	mu        sync.RWMutex
	byID      map[string]*Artifact
	bySession map[string]string
	onRelease func(sessionID string, a *Artifact)
}

func NewArtifacts() *Artifacts {
	return &Artifacts{
		byID:      make(map[string]*Artifact),
		bySession: make(map[string]string),
	}
}

// SetReleaseHook registers a callback invoked after an artifact is released.
func (s *Artifacts) SetReleaseHook(fn func(sessionID string, a *Artifact)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRelease = fn
}

func (s *Artifacts) Publish(sessionID string, a *Artifact) {
	if a == nil {
		return
	}
	s.mu.Lock()
	prev := s.releaseLocked(sessionID)
	s.byID[a.ID] = a
	s.bySession[sessionID] = a.ID
	hook := s.onRelease
	s.mu.Unlock()

	if prev != nil && hook != nil {
		hook(sessionID, prev)
	}
}

func (s *Artifacts) Get(id string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	return a, ok
}

// Current returns the live artifact for a session.
func (s *Artifacts) Current(sessionID string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySession[sessionID]
	if !ok {
		return nil, false
	}
	a, ok := s.byID[id]
	return a, ok
}

// ReleaseSession drops the session's artifact, if any.
func (s *Artifacts) ReleaseSession(sessionID string) bool {
	s.mu.Lock()
	prev := s.releaseLocked(sessionID)
	hook := s.onRelease
	s.mu.Unlock()

	if prev != nil && hook != nil {
		hook(sessionID, prev)
	}
	return prev != nil
}

func (s *Artifacts) releaseLocked(sessionID string) *Artifact {
	id, ok := s.bySession[sessionID]
	if !ok {
		return nil
	}
	delete(s.bySession, sessionID)
	a := s.byID[id]
	delete(s.byID, id)
	return a
}

func (s *Artifacts) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
