package session

import "time"

// CreateRequest defines payload for creating a new counseling session.
type CreateRequest struct {
	Scenario         string `json:"scenario"`
	ClientBackground string `json:"client_background"`
	// EphemeralKey may be minted by the caller; otherwise the server mints
	// one with APIKey or its configured key.
	EphemeralKey string `json:"ephemeral_key"`
	APIKey       string `json:"api_key"`
	Emotion      string `json:"emotion"`
	Verbosity    string `json:"verbosity"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID        string    `json:"session_id"`
	Status           Status    `json:"status"`
	Scenario         string    `json:"scenario"`
	ClientBackground string    `json:"client_background"`
	Emotion          string    `json:"emotion"`
	Verbosity        string    `json:"verbosity"`
	CredentialExpiry int64     `json:"credential_expires_at,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	InactivityTTLMS  int64     `json:"inactivity_ttl_ms"`
}
