package transcript

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/counselsim/internal/control"
)

func fixedClock() func() time.Time {
	base := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func delta(id, text string) control.PersonaEvent {
	return control.PersonaEvent{Kind: control.EventTextDelta, ID: id, Delta: text}
}

func done(id string) control.PersonaEvent {
	return control.PersonaEvent{Kind: control.EventResponseCompleted, ID: id}
}

func TestLogFlushesDeltasOnCompletion(t *testing.T) {
	l := NewLog(WithClock(fixedClock()))
	l.HandlePersonaEvent(delta("r1", "I "))
	l.HandlePersonaEvent(delta("r1", "don't know."))
	if l.Len() != 0 {
		t.Fatalf("Len() before completion = %d, want 0", l.Len())
	}

	l.HandlePersonaEvent(done("r1"))
	l.HandlePersonaEvent(done("r1"))

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Role != RoleClient || entries[0].Text != "I don't know." {
		t.Fatalf("entry = %+v, want client %q", entries[0], "I don't know.")
	}
	if l.PendingResponses() != 0 {
		t.Fatalf("PendingResponses() = %d, want 0", l.PendingResponses())
	}
}

func TestLogConcatenatesInArrivalOrder(t *testing.T) {
	cases := [][]string{
		{"a"},
		{"Hel", "lo", ", ", "there"},
		{"  padded ", "words  "},
		{"one", "", "two"},
	}
	for _, deltas := range cases {
		l := NewLog()
		for _, d := range deltas {
			l.HandlePersonaEvent(delta("x", d))
		}
		l.HandlePersonaEvent(done("x"))
		want := strings.TrimSpace(strings.Join(deltas, ""))
		entries := l.Entries()
		if len(entries) != 1 || entries[0].Text != want {
			t.Fatalf("deltas %q -> %+v, want one entry %q", deltas, entries, want)
		}
	}
}

func TestLogSkipsEmptyCompletions(t *testing.T) {
	l := NewLog()
	l.HandlePersonaEvent(done("never-started"))
	l.HandlePersonaEvent(delta("ws", "  "))
	l.HandlePersonaEvent(delta("ws", "\n\t"))
	l.HandlePersonaEvent(done("ws"))
	if l.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", l.Len())
	}
	if _, ok := l.AppendCounselor("   "); ok {
		t.Fatalf("AppendCounselor(blank) ok = true, want false")
	}
	if _, ok := l.AppendBulkTranscript(""); ok {
		t.Fatalf("AppendBulkTranscript(empty) ok = true, want false")
	}
}

func TestLogInterleavedResponsesKeepCommitOrder(t *testing.T) {
	l := NewLog(WithClock(fixedClock()))
	l.HandlePersonaEvent(delta("r1", "first "))
	l.HandlePersonaEvent(delta("r2", "second"))
	if _, ok := l.AppendCounselor("How are you feeling?"); !ok {
		t.Fatalf("AppendCounselor() ok = false")
	}
	l.HandlePersonaEvent(delta("r1", "reply"))
	l.HandlePersonaEvent(done("r2"))
	l.HandlePersonaEvent(done("r1"))
	l.HandlePersonaEvent(control.PersonaEvent{Kind: control.EventOther, ID: "r3", Type: "rate_limits.updated"})

	entries := l.Entries()
	want := []struct {
		role Role
		text string
	}{
		{RoleCounselor, "How are you feeling?"},
		{RoleClient, "second"},
		{RoleClient, "first reply"},
	}
	if len(entries) != len(want) {
		t.Fatalf("len(entries) = %d, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].Role != w.role || entries[i].Text != w.text {
			t.Fatalf("entries[%d] = %+v, want %s %q", i, entries[i], w.role, w.text)
		}
		if i > 0 && !entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Fatalf("timestamps not increasing at %d", i)
		}
	}
}

func TestLogExports(t *testing.T) {
	l := NewLog(WithClock(fixedClock()))
	l.AppendCounselor("What brings you in today?")
	l.HandlePersonaEvent(delta("r1", "*sigh*"))
	l.HandlePersonaEvent(done("r1"))
	l.AppendBulkTranscript("full session text")

	text := l.Text()
	wantText := "[2025-06-03T10:00:01Z] COUNSELOR: What brings you in today?\n" +
		"[2025-06-03T10:00:02Z] CLIENT: *sigh*\n" +
		"[2025-06-03T10:00:03Z] BULK-TRANSCRIPT: full session text\n"
	if text != wantText {
		t.Fatalf("Text() = %q, want %q", text, wantText)
	}

	raw, err := l.JSON()
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	var records []Entry
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatalf("decode JSON export: %v", err)
	}
	if len(records) != 3 || records[2].Role != RoleBulkTranscript {
		t.Fatalf("records = %+v", records)
	}
	if l.Len() != 3 {
		t.Fatalf("exports mutated the log: Len() = %d", l.Len())
	}
}

func TestLogSubscribe(t *testing.T) {
	l := NewLog()
	var got []Entry
	cancel := l.Subscribe(func(e Entry) { got = append(got, e) })
	l.AppendCounselor("hello")
	cancel()
	l.AppendCounselor("ignored")
	if len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("subscriber got %+v, want one hello entry", got)
	}
	if got[0].ID == "" {
		t.Fatalf("entry ID should be set")
	}
}
