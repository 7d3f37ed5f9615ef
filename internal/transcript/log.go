package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/counselsim/internal/control"
)

type Role string

const (
	RoleCounselor      Role = "counselor"
	RoleClient         Role = "client"
	RoleBulkTranscript Role = "bulk-transcript"
)

// Entry is one committed line of the session transcript.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TimestampLayout is used by the line-oriented export.
const TimestampLayout = time.RFC3339

// Log assembles the ordered transcript from the persona event stream and
// local recognition results. Entries are append-only and ordered by commit.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	pending map[string]*strings.Builder

	listeners map[int]func(Entry)
	nextID    int

	now func() time.Time
}

type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func NewLog(opts ...Option) *Log {
	l := &Log{
		pending:   make(map[string]*strings.Builder),
		listeners: make(map[int]func(Entry)),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HandlePersonaEvent buffers text deltas per id and flushes them as one
// client entry on the matching completion.
func (l *Log) HandlePersonaEvent(ev control.PersonaEvent) {
	switch ev.Kind {
	case control.EventTextDelta:
		l.mu.Lock()
		buf, ok := l.pending[ev.ID]
		if !ok {
			buf = &strings.Builder{}
			l.pending[ev.ID] = buf
		}
		buf.WriteString(ev.Delta)
		l.mu.Unlock()
	case control.EventResponseCompleted:
		l.mu.Lock()
		buf, ok := l.pending[ev.ID]
		delete(l.pending, ev.ID)
		l.mu.Unlock()
		if !ok {
			return
		}
		l.append(RoleClient, buf.String())
	}
}

// AppendCounselor commits a final local recognition result.
func (l *Log) AppendCounselor(text string) (Entry, bool) {
	return l.append(RoleCounselor, text)
}

// AppendBulkTranscript commits a completed post-hoc transcription.
func (l *Log) AppendBulkTranscript(text string) (Entry, bool) {
	return l.append(RoleBulkTranscript, text)
}

func (l *Log) append(role Role, text string) (Entry, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, false
	}

	l.mu.Lock()
	e := Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: l.now(),
	}
	l.entries = append(l.entries, e)
	listeners := make([]func(Entry), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
	return e, true
}

// Subscribe registers fn for every future entry.
func (l *Log) Subscribe(fn func(Entry)) (cancel func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Entries returns a copy of the log in commit order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// PendingResponses counts ids with buffered but uncompleted deltas.
func (l *Log) PendingResponses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Text renders the log as "[timestamp] ROLE: text" lines.
func (l *Log) Text() string {
	return FormatText(l.Entries())
}

// JSON renders the log as an array of entry records.
func (l *Log) JSON() ([]byte, error) {
	return json.Marshal(l.Entries())
}

func FormatText(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp.Format(TimestampLayout), strings.ToUpper(string(e.Role)), e.Text)
	}
	return b.String()
}
