package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ent0n29/counselsim/internal/audio"
	"github.com/ent0n29/counselsim/internal/control"
	"github.com/ent0n29/counselsim/internal/persona"
	"github.com/ent0n29/counselsim/internal/recording"
	"github.com/ent0n29/counselsim/internal/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *orderLog) add(step string) {
	l.mu.Lock()
	l.steps = append(l.steps, step)
	l.mu.Unlock()
}

func (l *orderLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

type fakeCapture struct {
	*audio.Broadcaster
	order *orderLog
}

func (c *fakeCapture) Close() error {
	c.order.add("capture")
	return c.Broadcaster.Close()
}

type fakeMedia struct {
	err     error
	gate    chan struct{}
	deaf    bool
	capture *fakeCapture
}

func (m *fakeMedia) Acquire(ctx context.Context) (Capture, error) {
	switch {
	case m.gate != nil && m.deaf:
		<-m.gate
	case m.gate != nil:
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.capture, nil
}

type fakeChannel struct {
	mu     sync.Mutex
	ready  bool
	sent   []string
	onOpen func()
	onMsg  func([]byte)
}

func (c *fakeChannel) Label() string { return DefaultChannelLabel }

func (c *fakeChannel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChannel) OnOpen(fn func())          { c.onOpen = fn }
func (c *fakeChannel) OnMessage(fn func([]byte)) { c.onMsg = fn }

func (c *fakeChannel) open() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.onOpen()
}

func (c *fakeChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeTransport struct {
	order    *orderLog
	ch       *fakeChannel
	offerErr error

	mu       sync.Mutex
	local    audio.Source
	onRemote func(audio.Source)
	onState  func(TransportState)
	answer   string
	closes   int
}

func (t *fakeTransport) AddLocalAudio(src audio.Source) error {
	t.mu.Lock()
	t.local = src
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) OnRemoteAudio(fn func(audio.Source))   { t.onRemote = fn }
func (t *fakeTransport) OnStateChange(fn func(TransportState)) { t.onState = fn }

func (t *fakeTransport) CreateControlChannel(label string) (control.Channel, error) {
	return t.ch, nil
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (string, error) {
	if t.offerErr != nil {
		return "", t.offerErr
	}
	return "offer-sdp", nil
}

func (t *fakeTransport) ApplyAnswer(sdp string) error {
	t.mu.Lock()
	t.answer = sdp
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	t.order.add("transport")
	return nil
}

type fakeNegotiator struct {
	err        error
	gate       chan struct{}
	credential string
	offer      string
}

func (n *fakeNegotiator) Negotiate(ctx context.Context, credential, offer string) (string, error) {
	n.credential = credential
	n.offer = offer
	if n.gate != nil {
		select {
		case <-n.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if n.err != nil {
		return "", n.err
	}
	return "answer-sdp", nil
}

type fakePlayback struct {
	order    *orderLog
	mu       sync.Mutex
	attached []audio.Source
}

func (p *fakePlayback) Attach(src audio.Source) {
	p.mu.Lock()
	p.attached = append(p.attached, src)
	p.mu.Unlock()
}

func (p *fakePlayback) Detach() { p.order.add("playback") }

type harness struct {
	order      *orderLog
	media      *fakeMedia
	transport  *fakeTransport
	transports int
	negotiator *fakeNegotiator
	playback   *fakePlayback
	log        *transcript.Log
	session    *Session
}

func newHarness() *harness {
	order := &orderLog{}
	h := &harness{
		order:      order,
		media:      &fakeMedia{capture: &fakeCapture{Broadcaster: audio.NewBroadcaster("mic", 8000), order: order}},
		transport:  &fakeTransport{order: order, ch: &fakeChannel{}},
		negotiator: &fakeNegotiator{},
		playback:   &fakePlayback{order: order},
		log:        transcript.NewLog(),
	}
	h.session = NewSession(Config{
		Media: h.media,
		NewTransport: func() (Transport, error) {
			h.transports++
			return h.transport, nil
		},
		Negotiator: h.negotiator,
		Playback:   h.playback,
		Recorder:   recording.NewRecorder(recording.Config{ChunkInterval: time.Hour}),
		Control: control.Options{
			Composer: persona.NewComposer(""),
			Sink:     h.log,
		},
	})
	return h
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness()
	h.session.Stop()
	h.session.Stop()
	if got := h.session.State(); got != StateClosed {
		t.Fatalf("State() = %q, want closed", got)
	}
	if err := h.session.Start(context.Background(), "ek", "scenario", ""); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

func TestStartFailsOnMediaDenied(t *testing.T) {
	h := newHarness()
	h.media.err = ErrMediaDenied

	err := h.session.Start(context.Background(), "ek", "scenario", "")
	var mae *MediaAccessError
	if !errors.As(err, &mae) {
		t.Fatalf("Start() error = %v, want MediaAccessError", err)
	}
	if !errors.Is(err, ErrMediaDenied) {
		t.Fatalf("Start() error should wrap ErrMediaDenied: %v", err)
	}
	if got := h.session.State(); got != StateFailed {
		t.Fatalf("State() = %q, want failed", got)
	}
	if h.transports != 0 {
		t.Fatalf("transport created %d times after media failure", h.transports)
	}
	h.session.Stop()
	if got := h.session.State(); got != StateFailed {
		t.Fatalf("State() after Stop = %q, want failed", got)
	}
}

func TestStartFailsOnNegotiationRejected(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		wantMessage string
	}{
		{"remote status", &NegotiationError{Status: 401, Message: "Invalid ephemeral key"}, "Invalid ephemeral key"},
		{"transport error", errors.New("dial tcp: connection refused"), "dial tcp: connection refused"},
	}
	for _, tc := range cases {
		h := newHarness()
		h.negotiator.err = tc.err

		err := h.session.Start(context.Background(), "ek_123", "scenario", "")
		var ne *NegotiationError
		if !errors.As(err, &ne) {
			t.Fatalf("%s: Start() error = %v, want NegotiationError", tc.name, err)
		}
		if ne.Message != tc.wantMessage {
			t.Fatalf("%s: Message = %q, want %q", tc.name, ne.Message, tc.wantMessage)
		}
		if got := h.session.State(); got != StateFailed {
			t.Fatalf("%s: State() = %q, want failed", tc.name, got)
		}
		if got := h.order.list(); strings.Join(got, ",") != "capture,transport" {
			t.Fatalf("%s: released %v, want capture then transport", tc.name, got)
		}
		if h.session.IsConnected() {
			t.Fatalf("%s: IsConnected() = true after failure", tc.name)
		}
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("session never reached %s, at %s", want, s.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStopCancelsMediaAcquisition(t *testing.T) {
	h := newHarness()
	h.media.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		errc <- h.session.Start(context.Background(), "ek", "scenario", "")
	}()
	waitForState(t, h.session, StateAcquiringMedia)

	h.session.Stop()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("Start() error = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Start() still blocked in Acquire after Stop")
	}
	if got := h.order.list(); len(got) != 0 {
		t.Fatalf("released %v, want nothing acquired", got)
	}
	if h.transports != 0 {
		t.Fatalf("transport created after Stop")
	}
	if got := h.session.State(); got != StateClosed {
		t.Fatalf("State() = %q, want closed", got)
	}
}

func TestStopClosesLateCapture(t *testing.T) {
	h := newHarness()
	h.media.gate = make(chan struct{})
	h.media.deaf = true

	errc := make(chan error, 1)
	go func() {
		errc <- h.session.Start(context.Background(), "ek", "scenario", "")
	}()
	waitForState(t, h.session, StateAcquiringMedia)

	h.session.Stop()
	close(h.media.gate)

	if err := <-errc; !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() error = %v, want ErrStopped", err)
	}
	if got := h.order.list(); len(got) != 1 || got[0] != "capture" {
		t.Fatalf("released %v, want late capture closed", got)
	}
	if h.transports != 0 {
		t.Fatalf("transport created after Stop")
	}
}

func TestStopCancelsNegotiation(t *testing.T) {
	h := newHarness()
	h.negotiator.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		errc <- h.session.Start(context.Background(), "ek", "scenario", "")
	}()
	waitForState(t, h.session, StateNegotiating)

	h.session.Stop()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("Start() error = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Start() still blocked in Negotiate after Stop")
	}
	if got := strings.Join(h.order.list(), ","); got != "capture,transport" {
		t.Fatalf("released %s, want capture,transport", got)
	}
	if h.transport.answer != "" {
		t.Fatalf("answer applied after Stop: %q", h.transport.answer)
	}
}

func TestTransportFailureWhileNegotiating(t *testing.T) {
	for _, ts := range []TransportState{TransportFailed, TransportClosed} {
		h := newHarness()
		var states []State
		var mu sync.Mutex
		h.session.OnStateChange(func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})

		if err := h.session.Start(context.Background(), "ek", "scenario", ""); err != nil {
			t.Fatalf("%s: Start() error = %v", ts, err)
		}
		h.transport.onState(TransportConnecting)
		h.transport.onState(ts)

		if got := h.session.State(); got != StateFailed {
			t.Fatalf("%s: State() = %q, want failed", ts, got)
		}
		if got := strings.Join(h.order.list(), ","); got != "capture,transport" {
			t.Fatalf("%s: released %s, want capture,transport", ts, got)
		}
		h.transport.onState(TransportConnected)
		if h.session.IsConnected() {
			t.Fatalf("%s: IsConnected() = true after failure", ts)
		}
		h.session.Stop()
		if got := h.session.State(); got != StateFailed {
			t.Fatalf("%s: State() after Stop = %q, want failed", ts, got)
		}

		mu.Lock()
		got := append([]State(nil), states...)
		mu.Unlock()
		want := []State{StateAcquiringMedia, StateNegotiating, StateFailed}
		if len(got) != len(want) {
			t.Fatalf("%s: states = %v, want %v", ts, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: states = %v, want %v", ts, got, want)
			}
		}
	}
}

type wireMessage struct {
	Type    string `json:"type"`
	Session struct {
		Instructions string `json:"instructions"`
	} `json:"session"`
	Response struct {
		Instructions string `json:"instructions"`
	} `json:"response"`
}

func decode(t *testing.T, raw string) wireMessage {
	t.Helper()
	var msg wireMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return msg
}

func TestSessionEndToEnd(t *testing.T) {
	h := newHarness()
	var states []State
	var mu sync.Mutex
	h.session.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	var tracks int
	h.session.OnTrack(func(audio.Source) { tracks++ })
	if got := h.session.SetVerbosity("balanced"); got != persona.VerbosityBalanced {
		t.Fatalf("SetVerbosity() = %v, want balanced", got)
	}

	err := h.session.Start(context.Background(), "ek_123", "Client reports anxiety about exams", "Graduate student, 24")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := h.session.State(); got != StateNegotiating {
		t.Fatalf("State() after Start = %q, want negotiating", got)
	}
	if h.negotiator.credential != "ek_123" || h.negotiator.offer != "offer-sdp" {
		t.Fatalf("negotiator got credential=%q offer=%q", h.negotiator.credential, h.negotiator.offer)
	}
	if h.transport.answer != "answer-sdp" {
		t.Fatalf("applied answer = %q, want answer-sdp", h.transport.answer)
	}
	if h.transport.local == nil {
		t.Fatalf("local audio not attached to transport")
	}

	h.transport.onState(TransportConnecting)
	h.transport.onState(TransportConnected)
	if !h.session.IsConnected() {
		t.Fatalf("IsConnected() = false after transport connected")
	}

	remote := audio.NewBroadcaster("remote", 8000)
	defer remote.Close()
	h.transport.onRemote(remote)
	h.transport.onRemote(remote)
	if len(h.playback.attached) != 1 || tracks != 2 {
		t.Fatalf("playback attached %d times, tracks observed %d; want 1 and 2", len(h.playback.attached), tracks)
	}

	h.transport.ch.open()
	sent := h.transport.ch.messages()
	if len(sent) != 2 {
		t.Fatalf("sent %d control messages, want 2", len(sent))
	}
	contract := decode(t, sent[0])
	for _, want := range []string{persona.ConstraintFirstPerson, persona.ConstraintNoAdvice, persona.VerbosityBalanced.Directive()} {
		if !strings.Contains(contract.Session.Instructions, want) {
			t.Fatalf("role contract missing %q", want)
		}
	}
	opening := decode(t, sent[1])
	if !strings.Contains(opening.Response.Instructions, persona.ToneAnxious.Descriptor) {
		t.Fatalf("opening = %q, want anxious descriptor", opening.Response.Instructions)
	}

	h.transport.ch.onMsg([]byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"I "}`))
	h.transport.ch.onMsg([]byte(`{"type":"response.audio_transcript.delta","response_id":"r1","delta":"don't know."}`))
	h.transport.ch.onMsg([]byte(`{"type":"response.done","response":{"id":"r1"}}`))
	h.transport.ch.onMsg([]byte(`{"type":"response.done","response":{"id":"r1"}}`))
	entries := h.log.Entries()
	if len(entries) != 1 || entries[0].Role != transcript.RoleClient || entries[0].Text != "I don't know." {
		t.Fatalf("transcript = %+v, want one client entry", entries)
	}

	if err := h.session.SendEmotion("sad"); err != nil {
		t.Fatalf("SendEmotion() error = %v", err)
	}
	if err := h.session.RemindRole(); err != nil {
		t.Fatalf("RemindRole() error = %v", err)
	}
	if got := len(h.transport.ch.messages()); got != 4 {
		t.Fatalf("sent %d control messages, want 4", got)
	}

	if err := h.session.StartRecording(); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.media.capture.Publish(audio.Frame{Samples: []int16{10, 20}})
	remote.Publish(audio.Frame{Samples: []int16{1, 2}})
	artifact, err := h.session.StopRecording()
	if err != nil || artifact == nil {
		t.Fatalf("StopRecording() = %+v, %v", artifact, err)
	}
	if err := h.session.StartRecording(); err != nil {
		t.Fatalf("second StartRecording() error = %v", err)
	}

	h.session.Stop()
	h.session.Stop()
	if got := strings.Join(h.order.list(), ","); got != "capture,transport,playback" {
		t.Fatalf("teardown order = %s, want capture,transport,playback", got)
	}
	if h.session.Recording() {
		t.Fatalf("recording still active after Stop")
	}
	if h.transport.closes != 1 {
		t.Fatalf("transport closed %d times, want 1", h.transport.closes)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateAcquiringMedia, StateNegotiating, StateConnected, StateClosing, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestRecordingRequiresLiveAudio(t *testing.T) {
	h := newHarness()
	if err := h.session.StartRecording(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("StartRecording() error = %v, want ErrNotConnected", err)
	}
	a, err := h.session.StopRecording()
	if a != nil || err != nil {
		t.Fatalf("StopRecording() = %+v, %v, want nil, nil", a, err)
	}
	if err := h.session.SendEmotion("sad"); err != nil {
		t.Fatalf("SendEmotion() before start error = %v", err)
	}
	h.session.Stop()
}

func TestObserverCancel(t *testing.T) {
	h := newHarness()
	var seen []State
	cancel := h.session.OnStateChange(func(s State) { seen = append(seen, s) })
	cancel()
	cancel()
	h.session.Stop()
	if len(seen) != 0 {
		t.Fatalf("cancelled observer saw %v", seen)
	}
}
