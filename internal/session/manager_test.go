package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create(Params{
		Scenario:         "Panic attacks before exams",
		ClientBackground: "Student, 21",
		Credential:       "ek_secret",
	})
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Scenario != "Panic attacks before exams" || got.Status != StatusActive || got.ConnectionState != "idle" {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if got.Credential != "ek_secret" {
		t.Fatalf("Credential = %q, want ek_secret", got.Credential)
	}

	raw, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	if strings.Contains(string(raw), "ek_secret") {
		t.Fatalf("credential leaked into JSON: %s", raw)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if ended.Credential != "" {
		t.Fatalf("ended session kept its credential")
	}
	if _, err := m.End("missing"); err != ErrNotFound {
		t.Fatalf("End(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerPresetsAndState(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create(Params{Scenario: "grief"})

	if err := m.SetEmotion(s.ID, "sad"); err != nil {
		t.Fatalf("SetEmotion() error = %v", err)
	}
	if err := m.SetVerbosity(s.ID, "expansive"); err != nil {
		t.Fatalf("SetVerbosity() error = %v", err)
	}
	if err := m.SetConnectionState(s.ID, "connected"); err != nil {
		t.Fatalf("SetConnectionState() error = %v", err)
	}
	if err := m.RecordingPublished(s.ID); err != nil {
		t.Fatalf("RecordingPublished() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Emotion != "sad" || got.Verbosity != "expansive" || got.ConnectionState != "connected" || got.Recordings != 1 {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if err := m.SetEmotion("missing", "sad"); err != ErrNotFound {
		t.Fatalf("SetEmotion(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create(Params{Scenario: "anger at work"})
	expired := make(chan string, 1)
	m.SetExpireHook(func(s *Session) { expired <- s.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("expired %q, want %q", id, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not expire the session")
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}
