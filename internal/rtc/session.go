package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/counselsim/internal/audio"
	"github.com/ent0n29/counselsim/internal/control"
	"github.com/ent0n29/counselsim/internal/persona"
	"github.com/ent0n29/counselsim/internal/recording"
)

// DefaultChannelLabel is the control channel label the realtime endpoint
// expects.
const DefaultChannelLabel = "oai-events"

// Capture is an acquired local audio stream.
type Capture interface {
	audio.Source
	Close() error
}

// MediaSource acquires local audio capture.
type MediaSource interface {
	Acquire(ctx context.Context) (Capture, error)
}

// Transport is the bidirectional audio + data session with the remote
// endpoint.
type Transport interface {
	AddLocalAudio(src audio.Source) error
	OnRemoteAudio(fn func(audio.Source))
	OnStateChange(fn func(TransportState))
	CreateControlChannel(label string) (control.Channel, error)
	CreateOffer(ctx context.Context) (string, error)
	ApplyAnswer(sdp string) error
	Close() error
}

// Negotiator exchanges the local offer for the remote answer.
type Negotiator interface {
	Negotiate(ctx context.Context, credential, offer string) (string, error)
}

// PlaybackSink plays remote audio for the trainee.
type PlaybackSink interface {
	Attach(src audio.Source)
	Detach()
}

type Config struct {
	Media        MediaSource
	NewTransport func() (Transport, error)
	Negotiator   Negotiator
	Playback     PlaybackSink
	Recorder     *recording.Recorder
	// Control carries composer, sink and observer settings for the control
	// protocol. Scenario and Verbosity are filled in by the session.
	Control      control.Options
	ChannelLabel string
	Logger       *zap.Logger
}

// Session owns one realtime counseling session from media acquisition to
// teardown.
type Session struct {
	cfg Config
	log *zap.Logger

	mu             sync.Mutex
	state          State
	transportState TransportState
	scenario       persona.Scenario
	verbosity      persona.Verbosity
	capture        Capture
	transport      Transport
	proto          *control.Protocol
	remote         audio.Source
	playing        bool
	cancelStart    context.CancelFunc

	stateObs     observers[State]
	transportObs observers[TransportState]
	trackObs     observers[audio.Source]
}

func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = DefaultChannelLabel
	}
	if cfg.Recorder == nil {
		cfg.Recorder = recording.NewRecorder(recording.Config{Logger: cfg.Logger})
	}
	return &Session{
		cfg:            cfg,
		log:            cfg.Logger,
		state:          StateIdle,
		transportState: TransportNew,
		verbosity:      cfg.Control.Verbosity,
	}
}

// Start acquires media, opens the transport and control channel, and
// negotiates with the remote endpoint. It returns once the transport
// exists; reaching connected is reported through OnStateChange. Stop
// cancels a Start that is still blocked.
func (s *Session) Start(ctx context.Context, credential, scenario, clientBackground string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		if st == StateClosing || st == StateClosed {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}
	s.scenario = persona.Scenario{Text: scenario, Background: clientBackground}
	s.state = StateAcquiringMedia
	s.cancelStart = cancel
	s.mu.Unlock()
	s.stateObs.emit(StateAcquiringMedia)

	capture, err := s.cfg.Media.Acquire(ctx)
	if err != nil {
		return s.fail(asMediaAccessError(err))
	}
	if !s.hold(func() { s.capture = capture }) {
		_ = capture.Close()
		return ErrStopped
	}

	transport, err := s.cfg.NewTransport()
	if err != nil {
		return s.fail(fmt.Errorf("create transport: %w", err))
	}
	if !s.hold(func() { s.transport = transport }) {
		_ = transport.Close()
		return ErrStopped
	}
	transport.OnStateChange(s.handleTransportState)
	transport.OnRemoteAudio(s.handleRemoteAudio)

	if err := transport.AddLocalAudio(capture); err != nil {
		return s.fail(fmt.Errorf("add local audio: %w", err))
	}
	ch, err := transport.CreateControlChannel(s.cfg.ChannelLabel)
	if err != nil {
		return s.fail(fmt.Errorf("create control channel: %w", err))
	}

	s.mu.Lock()
	opts := s.cfg.Control
	opts.Scenario = s.scenario
	opts.Verbosity = s.verbosity
	if opts.Logger == nil {
		opts.Logger = s.log
	}
	s.mu.Unlock()
	proto := control.New(ch, opts)
	if !s.hold(func() {
		s.proto = proto
		s.state = StateNegotiating
	}) {
		return ErrStopped
	}
	s.stateObs.emit(StateNegotiating)

	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("create offer: %w", err))
	}
	answer, err := s.cfg.Negotiator.Negotiate(ctx, credential, offer)
	if err != nil {
		return s.fail(asNegotiationError(err))
	}
	if err := transport.ApplyAnswer(answer); err != nil {
		return s.fail(asNegotiationError(fmt.Errorf("apply answer: %w", err)))
	}
	s.log.Info("session negotiated")
	return nil
}

// hold runs fn under the lock unless the session is already tearing down.
func (s *Session) hold(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return false
	}
	fn()
	return true
}

// fail moves a starting session to failed and releases what it holds. If
// Stop got there first the caller sees ErrStopped.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return ErrStopped
	case StateFailed:
		s.mu.Unlock()
		return err
	}
	from := s.state
	s.state = StateFailed
	res := s.takeResourcesLocked()
	s.mu.Unlock()

	s.log.Warn("session start failed", zap.String("from", string(from)), zap.Error(err))
	s.release(res)
	s.stateObs.emit(StateFailed)
	return err
}

func (s *Session) handleTransportState(ts TransportState) {
	s.mu.Lock()
	s.transportState = ts
	promote := ts == TransportConnected && s.state == StateNegotiating
	if promote {
		s.state = StateConnected
	}
	lost := (ts == TransportFailed || ts == TransportClosed) && s.state == StateNegotiating
	var res resources
	var cancelStart context.CancelFunc
	if lost {
		s.state = StateFailed
		res = s.takeResourcesLocked()
		cancelStart = s.cancelStart
	}
	s.mu.Unlock()
	if cancelStart != nil {
		cancelStart()
	}

	s.log.Debug("transport state", zap.String("state", string(ts)))
	s.transportObs.emit(ts)
	if promote {
		s.log.Info("session connected")
		s.stateObs.emit(StateConnected)
	}
	if lost {
		s.log.Warn("transport lost before connecting", zap.String("transport_state", string(ts)))
		s.release(res)
		s.stateObs.emit(StateFailed)
	}
}

func (s *Session) handleRemoteAudio(src audio.Source) {
	s.mu.Lock()
	if s.state == StateClosing || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.remote = src
	first := !s.playing
	s.playing = true
	s.mu.Unlock()

	if first && s.cfg.Playback != nil {
		s.cfg.Playback.Attach(src)
	}
	s.trackObs.emit(src)
}

type resources struct {
	capture   Capture
	transport Transport
	playing   bool
}

func (s *Session) takeResourcesLocked() resources {
	res := resources{capture: s.capture, transport: s.transport, playing: s.playing}
	s.capture = nil
	s.transport = nil
	s.proto = nil
	s.remote = nil
	s.playing = false
	s.scenario = persona.Scenario{}
	return res
}

// release unwinds capture, transport, playback and recording, in that order.
func (s *Session) release(res resources) {
	if res.capture != nil {
		if err := res.capture.Close(); err != nil {
			s.log.Warn("close capture failed", zap.Error(err))
		}
	}
	if res.transport != nil {
		if err := res.transport.Close(); err != nil {
			s.log.Warn("close transport failed", zap.Error(err))
		}
	}
	if res.playing && s.cfg.Playback != nil {
		s.cfg.Playback.Detach()
	}
	s.cfg.Recorder.Halt()
}

// Stop tears the session down. It is safe from any state and only the
// first call does any work.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed, StateFailed:
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	res := s.takeResourcesLocked()
	cancelStart := s.cancelStart
	s.cancelStart = nil
	s.mu.Unlock()
	if cancelStart != nil {
		cancelStart()
	}
	s.stateObs.emit(StateClosing)

	s.release(res)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.log.Info("session closed")
	s.stateObs.emit(StateClosed)
}

// OnStateChange registers fn for every lifecycle transition.
func (s *Session) OnStateChange(fn func(State)) (cancel func()) {
	return s.stateObs.add(fn)
}

// OnTransportState registers fn for every transport state change.
func (s *Session) OnTransportState(fn func(TransportState)) (cancel func()) {
	return s.transportObs.add(fn)
}

// OnTrack registers fn for every remote audio attach.
func (s *Session) OnTrack(fn func(audio.Source)) (cancel func()) {
	return s.trackObs.add(fn)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) TransportState() TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportState
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && s.transportState == TransportConnected
}

func (s *Session) protocol() *control.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proto
}

// SendEmotion asks the persona to continue in the named style. Before the
// control channel exists it logs and does nothing.
func (s *Session) SendEmotion(name string) error {
	p := s.protocol()
	if p == nil {
		s.log.Warn("emotion change ignored; no control channel", zap.String("emotion", name))
		return nil
	}
	return p.SendEmotion(name)
}

// SetVerbosity stores the preset for subsequent directives. It survives a
// later Start.
func (s *Session) SetVerbosity(name string) persona.Verbosity {
	v := persona.LookupVerbosity(name)
	s.mu.Lock()
	s.verbosity = v
	p := s.proto
	s.mu.Unlock()
	if p != nil {
		p.SetVerbosity(name)
	}
	return v
}

func (s *Session) Verbosity() persona.Verbosity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verbosity
}

func (s *Session) RemindRole() error {
	p := s.protocol()
	if p == nil {
		s.log.Warn("role reminder ignored; no control channel")
		return nil
	}
	return p.RemindRole()
}

// Send writes a composed directive on the control channel.
func (s *Session) Send(d control.Directive) error {
	p := s.protocol()
	if p == nil {
		s.log.Warn("directive ignored; no control channel", zap.String("kind", string(d.Kind)))
		return nil
	}
	return p.Send(d)
}

// SendRaw writes an arbitrary realtime event on the control channel.
func (s *Session) SendRaw(msg any) error {
	p := s.protocol()
	if p == nil {
		return nil
	}
	return p.SendRaw(msg)
}

// StartRecording mixes local and remote audio into a new recording.
func (s *Session) StartRecording() error {
	s.mu.Lock()
	var local audio.Source
	if s.capture != nil {
		local = s.capture
	}
	remote := s.remote
	s.mu.Unlock()
	err := s.cfg.Recorder.Start(local, remote)
	if errors.Is(err, recording.ErrNotConnected) {
		return ErrNotConnected
	}
	return err
}

// StopRecording finalizes the active recording. It returns nil, nil when
// nothing was recording.
func (s *Session) StopRecording() (*recording.Artifact, error) {
	return s.cfg.Recorder.Stop()
}

func (s *Session) Recording() bool {
	return s.cfg.Recorder.Active()
}
