package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is the record of one counseling attempt. The live connection
// state is owned by the websocket orchestrator; this record carries what
// the HTTP surface needs.
type Session struct {
	ID               string    `json:"session_id"`
	Status           Status    `json:"status"`
	Scenario         string    `json:"scenario"`
	ClientBackground string    `json:"client_background"`
	Credential       string    `json:"-"`
	CredentialExpiry int64     `json:"credential_expires_at,omitempty"`
	Emotion          string    `json:"emotion"`
	Verbosity        string    `json:"verbosity"`
	ConnectionState  string    `json:"connection_state"`
	Recordings       int       `json:"recordings"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// Params is the input for Create.
type Params struct {
	Scenario         string
	ClientBackground string
	Credential       string
	CredentialExpiry int64
	Emotion          string
	Verbosity        string
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(p Params) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:               uuid.NewString(),
		Status:           StatusActive,
		Scenario:         p.Scenario,
		ClientBackground: p.ClientBackground,
		Credential:       p.Credential,
		CredentialExpiry: p.CredentialExpiry,
		Emotion:          p.Emotion,
		Verbosity:        p.Verbosity,
		ConnectionState:  "idle",
		StartedAt:        now,
		LastActivityAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// SetEmotion records the active emotion preset name.
func (m *Manager) SetEmotion(sessionID, emotion string) error {
	return m.update(sessionID, func(s *Session) { s.Emotion = emotion })
}

// SetVerbosity records the active verbosity preset name.
func (m *Manager) SetVerbosity(sessionID, verbosity string) error {
	return m.update(sessionID, func(s *Session) { s.Verbosity = verbosity })
}

// SetConnectionState mirrors the live lifecycle state onto the record.
func (m *Manager) SetConnectionState(sessionID, state string) error {
	return m.update(sessionID, func(s *Session) { s.ConnectionState = state })
}

// RecordingPublished counts completed recording cycles.
func (m *Manager) RecordingPublished(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.Recordings++ })
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.Credential = ""
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.Credential = ""
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
