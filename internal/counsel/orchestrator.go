package counsel

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/counselsim/internal/audio"
	"github.com/ent0n29/counselsim/internal/control"
	"github.com/ent0n29/counselsim/internal/observability"
	"github.com/ent0n29/counselsim/internal/persona"
	"github.com/ent0n29/counselsim/internal/protocol"
	"github.com/ent0n29/counselsim/internal/recognition"
	"github.com/ent0n29/counselsim/internal/recording"
	"github.com/ent0n29/counselsim/internal/reliability"
	"github.com/ent0n29/counselsim/internal/rtc"
	"github.com/ent0n29/counselsim/internal/session"
	"github.com/ent0n29/counselsim/internal/transcript"
)

// RecordingPathPrefix is where published recordings can be downloaded.
const RecordingPathPrefix = "/v1/recordings/"

const outboundTimeout = 600 * time.Millisecond

type Config struct {
	SampleRate          int
	MediaTimeout        time.Duration
	ChunkInterval       time.Duration
	ReplyLanguage       string
	Modalities          []control.Modality
	RecognitionLanguage string
	RestartBase         time.Duration
	RestartMax          time.Duration
	// ForwardInterim sends interim recognition results to the browser as
	// stt_partial. They never reach the transcript.
	ForwardInterim bool
}

// Orchestrator runs one realtime counseling session per websocket
// connection and keeps the transcript of every session it has served.
type Orchestrator struct {
	cfg          Config
	sessions     *session.Manager
	negotiator   rtc.Negotiator
	newTransport func() (rtc.Transport, error)
	artifacts    *recording.Artifacts
	metrics      *observability.Metrics
	log          *zap.Logger

	mu          sync.Mutex
	transcripts map[string]*transcript.Log
}

func NewOrchestrator(
	cfg Config,
	sessions *session.Manager,
	negotiator rtc.Negotiator,
	newTransport func() (rtc.Transport, error),
	artifacts *recording.Artifacts,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if artifacts == nil {
		artifacts = recording.NewArtifacts()
	}
	return &Orchestrator{
		cfg:          cfg,
		sessions:     sessions,
		negotiator:   negotiator,
		newTransport: newTransport,
		artifacts:    artifacts,
		metrics:      metrics,
		log:          logger,
		transcripts:  make(map[string]*transcript.Log),
	}
}

func (o *Orchestrator) Artifacts() *recording.Artifacts { return o.artifacts }

// Transcript returns the transcript log of a session that has connected at
// least once.
func (o *Orchestrator) Transcript(sessionID string) (*transcript.Log, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.transcripts[sessionID]
	return l, ok
}

func (o *Orchestrator) transcriptFor(sessionID string) *transcript.Log {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.transcripts[sessionID]
	if !ok {
		l = transcript.NewLog()
		o.transcripts[sessionID] = l
	}
	return l
}

// AppendBulkTranscript records a whole-recording transcription against a
// session.
func (o *Orchestrator) AppendBulkTranscript(sessionID, text string) (transcript.Entry, bool) {
	e, ok := o.transcriptFor(sessionID).AppendBulkTranscript(text)
	if ok {
		o.metrics.TranscriptEntries.WithLabelValues(string(e.Role)).Inc()
	}
	return e, ok
}

// Forget drops everything retained for an ended session.
func (o *Orchestrator) Forget(sessionID string) {
	o.mu.Lock()
	delete(o.transcripts, sessionID)
	o.mu.Unlock()
	o.artifacts.ReleaseSession(sessionID)
}

// connection is the per-websocket state shared by the observers and the
// inbound loop.
type connection struct {
	o        *Orchestrator
	sess     *session.Session
	outbound chan<- any
	log      *zap.Logger

	rtc        *rtc.Session
	media      *rtc.RelayedMedia
	capability *recognition.ClientCapability
	driver     *recognition.Driver
	transcript *transcript.Log

	transportDown chan struct{}
	downOnce      sync.Once

	mu              sync.Mutex
	startedAt       time.Time
	connectedAt     time.Time
	firstText       bool
	pendingEmotion  string
	openingAnswered bool
}

func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{
		o:             o,
		sess:          s,
		outbound:      outbound,
		log:           o.log.With(zap.String("session_id", s.ID)),
		transcript:    o.transcriptFor(s.ID),
		transportDown: make(chan struct{}),
	}
	if e := persona.LookupEmotion(s.Emotion); e != persona.EmotionNeutral {
		c.pendingEmotion = e.String()
	}

	unsubscribe := c.transcript.Subscribe(c.handleEntry)
	defer unsubscribe()

	c.media = rtc.NewRelayedMedia("mic-"+s.ID, o.cfg.SampleRate, o.cfg.MediaTimeout, func() error {
		o.send(outbound, protocol.MediaRequest{
			Type:       protocol.TypeMediaRequest,
			SessionID:  s.ID,
			SampleRate: o.cfg.SampleRate,
		})
		return nil
	})
	defer c.media.Close()

	c.capability = recognition.NewClientCapability(func(cmd recognition.Command) error {
		o.send(outbound, protocol.RecognitionControl{
			Type:       protocol.TypeRecognitionControl,
			SessionID:  s.ID,
			Action:     string(cmd.Action),
			Language:   cmd.Options.Language,
			Continuous: cmd.Options.Continuous,
			Interim:    cmd.Options.Interim,
		})
		return nil
	})

	driverOpts := recognition.DriverOptions{
		Language:    o.cfg.RecognitionLanguage,
		OnFinal:     c.handleFinal,
		OnRestart:   c.handleRestart,
		RestartBase: o.cfg.RestartBase,
		RestartMax:  o.cfg.RestartMax,
		Logger:      c.log,
	}
	if o.cfg.ForwardInterim {
		driverOpts.OnInterim = c.handleInterim
	}
	c.driver = recognition.NewDriver(c.capability, driverOpts)

	c.rtc = rtc.NewSession(rtc.Config{
		Media:        c.media,
		NewTransport: o.newTransport,
		Negotiator:   o.negotiator,
		Playback:     newWSPlayback(s.ID, func(msg any) { o.send(outbound, msg) }),
		Recorder: recording.NewRecorder(recording.Config{
			SampleRate:    o.cfg.SampleRate,
			ChunkInterval: o.cfg.ChunkInterval,
			Logger:        c.log,
		}),
		Control: control.Options{
			Composer:    persona.NewComposer(o.cfg.ReplyLanguage),
			Modalities:  o.cfg.Modalities,
			Sink:        c.transcript,
			OnDirective: c.handleDirective,
			OnEvent:     c.handlePersonaEvent,
		},
		Logger: c.log,
	})
	c.rtc.SetVerbosity(s.Verbosity)
	cancelState := c.rtc.OnStateChange(func(st rtc.State) { c.handleState(ctx, st) })
	defer cancelState()
	cancelTransport := c.rtc.OnTransportState(c.handleTransportState)
	defer cancelTransport()

	o.metrics.SessionEvents.WithLabelValues("connection_opened").Inc()
	defer o.metrics.SessionEvents.WithLabelValues("connection_closed").Inc()
	c.log.Info("counseling connection opened")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.start(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return c.serve(gctx, inbound)
	})
	err := g.Wait()

	c.driver.Stop()
	c.rtc.Stop()
	c.log.Info("counseling connection closed", zap.Error(err))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *connection) start(ctx context.Context) {
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	err := c.rtc.Start(ctx, c.sess.Credential, c.sess.Scenario, c.sess.ClientBackground)
	if err == nil {
		c.o.metrics.ObserveStage(observability.StageNegotiate, time.Since(c.startedAt))
		return
	}
	if errors.Is(err, rtc.ErrStopped) || errors.Is(err, context.Canceled) {
		return
	}
	code, retryable := classifyStartError(err)
	c.o.metrics.ProviderErrors.WithLabelValues("realtime", code).Inc()
	c.o.send(c.outbound, protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sess.ID,
		Code:      code,
		Source:    "connection",
		Retryable: retryable,
		Detail:    err.Error(),
	})
}

func classifyStartError(err error) (code string, retryable bool) {
	var media *rtc.MediaAccessError
	if errors.As(err, &media) {
		return "media_access_failed", errors.Is(err, rtc.ErrMediaTimeout)
	}
	var neg *rtc.NegotiationError
	if errors.As(err, &neg) {
		return "negotiation_failed", neg.Status == 0 || reliability.IsRetryableHTTPStatus(neg.Status)
	}
	return "connect_failed", false
}

func (c *connection) serve(ctx context.Context, inbound <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.transportDown:
			c.log.Warn("transport lost; stopping session")
			c.send(protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: c.sess.ID,
				Code:      "transport_lost",
			})
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = c.o.sessions.Touch(c.sess.ID)
			if stop := c.handleInbound(ctx, msg); stop {
				return nil
			}
		}
	}
}

func (c *connection) handleInbound(ctx context.Context, msg any) (stop bool) {
	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		raw, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
		if err != nil {
			c.sendError("invalid_audio_chunk", "client", err.Error())
			return false
		}
		c.media.Push(audio.PCM16Samples(raw), m.SampleRate)
	case protocol.ClientRecognition:
		c.capability.Deliver(recognition.Result{Text: m.Text, Final: m.Final})
	case protocol.ClientControl:
		return c.handleControl(ctx, m)
	}
	return false
}

func (c *connection) handleControl(ctx context.Context, m protocol.ClientControl) (stop bool) {
	switch m.Action {
	case protocol.ActionMicGranted:
		c.media.Grant()
	case protocol.ActionMicDenied:
		c.media.Deny(m.Reason)
	case protocol.ActionSetEmotion:
		e := persona.LookupEmotion(m.Value)
		c.mu.Lock()
		c.pendingEmotion = ""
		c.mu.Unlock()
		if err := c.rtc.SendEmotion(e.String()); err != nil {
			c.sendError("emotion_failed", "control", err.Error())
		}
		_ = c.o.sessions.SetEmotion(c.sess.ID, e.String())
	case protocol.ActionSetVerbosity:
		v := c.rtc.SetVerbosity(m.Value)
		_ = c.o.sessions.SetVerbosity(c.sess.ID, v.String())
	case protocol.ActionRemindRole:
		if err := c.rtc.RemindRole(); err != nil {
			c.sendError("remind_failed", "control", err.Error())
		}
	case protocol.ActionStartRecording:
		c.startRecording()
	case protocol.ActionStopRecording:
		c.stopRecording()
	case protocol.ActionRecognitionAvailable:
		available, err := strconv.ParseBool(strings.TrimSpace(m.Value))
		if err != nil {
			c.sendError("invalid_client_control", "client", "recognition_available expects a boolean value")
			return false
		}
		c.capability.SetAvailable(available)
		if available && c.rtc.IsConnected() {
			c.driver.Start(ctx)
		}
	case protocol.ActionRecognitionEnable:
		c.driver.SetEnabled(true)
		if c.rtc.IsConnected() {
			c.driver.Start(ctx)
		}
	case protocol.ActionRecognitionDisable:
		c.driver.SetEnabled(false)
	case protocol.ActionRecognitionEnded:
		c.capability.End(m.Reason)
	case protocol.ActionStop:
		c.log.Info("stop requested by client")
		return true
	default:
		c.sendError("unsupported_action", "client", m.Action)
	}
	return false
}

func (c *connection) startRecording() {
	err := c.rtc.StartRecording()
	switch {
	case err == nil:
		// The new cycle supersedes the previous artifact.
		c.o.artifacts.ReleaseSession(c.sess.ID)
		c.o.metrics.Recordings.WithLabelValues("started").Inc()
		c.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: c.sess.ID, Code: "recording_started"})
	case errors.Is(err, rtc.ErrNotConnected):
		c.o.metrics.Recordings.WithLabelValues("not_connected").Inc()
		c.sendError("recording_unavailable", "recording", err.Error())
	default:
		c.sendError("recording_failed", "recording", err.Error())
	}
}

func (c *connection) stopRecording() {
	started := time.Now()
	a, err := c.rtc.StopRecording()
	if err != nil {
		c.o.metrics.Recordings.WithLabelValues("failed").Inc()
		c.sendError("recording_failed", "recording", err.Error())
		return
	}
	if a == nil {
		c.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: c.sess.ID, Code: "recording_idle"})
		return
	}
	c.o.metrics.ObserveStage(observability.StageRecordingFinal, time.Since(started))
	c.o.metrics.Recordings.WithLabelValues("published").Inc()
	c.o.artifacts.Publish(c.sess.ID, a)
	_ = c.o.sessions.RecordingPublished(c.sess.ID)
	c.send(protocol.RecordingReady{
		Type:        protocol.TypeRecordingReady,
		SessionID:   c.sess.ID,
		ArtifactID:  a.ID,
		MimeType:    a.MimeType,
		DurationMS:  a.Duration.Milliseconds(),
		DownloadURL: RecordingPathPrefix + a.ID,
	})
}

func (c *connection) handleState(ctx context.Context, st rtc.State) {
	c.o.metrics.ConnectionStates.WithLabelValues(string(st)).Inc()
	_ = c.o.sessions.SetConnectionState(c.sess.ID, string(st))
	c.send(protocol.SessionState{
		Type:           protocol.TypeSessionState,
		SessionID:      c.sess.ID,
		State:          string(st),
		TransportState: string(c.rtc.TransportState()),
	})

	switch st {
	case rtc.StateNegotiating:
		c.mu.Lock()
		started := c.startedAt
		c.mu.Unlock()
		c.o.metrics.ObserveStage(observability.StageMediaAcquire, time.Since(started))
	case rtc.StateConnected:
		c.mu.Lock()
		c.connectedAt = time.Now()
		started := c.startedAt
		c.mu.Unlock()
		c.o.metrics.ObserveStage(observability.StageStartToConnected, time.Since(started))
		c.driver.Start(ctx)
	case rtc.StateFailed, rtc.StateClosed:
		c.driver.Stop()
	}
}

func (c *connection) handleTransportState(ts rtc.TransportState) {
	c.send(protocol.SessionState{
		Type:           protocol.TypeSessionState,
		SessionID:      c.sess.ID,
		State:          string(c.rtc.State()),
		TransportState: string(ts),
	})
	if ts == rtc.TransportFailed || ts == rtc.TransportClosed {
		c.downOnce.Do(func() { close(c.transportDown) })
	}
}

func (c *connection) handleDirective(d control.Directive) {
	c.o.metrics.Directives.WithLabelValues(string(d.Kind)).Inc()
}

func (c *connection) handlePersonaEvent(ev control.PersonaEvent) {
	c.o.metrics.PersonaEvents.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case control.EventTextDelta:
		c.mu.Lock()
		first := !c.firstText && !c.connectedAt.IsZero()
		if first {
			c.firstText = true
		}
		connectedAt := c.connectedAt
		c.mu.Unlock()
		if first {
			c.o.metrics.ObserveStage(observability.StageFirstPersonaText, time.Since(connectedAt))
		}
	case control.EventResponseCompleted:
		// The requested opening emotion is applied once the opening response
		// is done, so the two responses never overlap.
		c.mu.Lock()
		emotion := ""
		if !c.openingAnswered {
			c.openingAnswered = true
			emotion = c.pendingEmotion
			c.pendingEmotion = ""
		}
		c.mu.Unlock()
		if emotion != "" {
			if err := c.rtc.SendEmotion(emotion); err != nil {
				c.log.Warn("initial emotion failed", zap.String("emotion", emotion), zap.Error(err))
			}
		}
	case control.EventError:
		c.o.metrics.ProviderErrors.WithLabelValues("realtime", ev.Code).Inc()
		c.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: c.sess.ID,
			Code:      ev.Code,
			Source:    "persona",
			Retryable: reliability.IsRetryableRealtimeError(ev.Code),
			Detail:    ev.Detail,
		})
	}
}

func (c *connection) handleFinal(text string) {
	c.transcript.AppendCounselor(text)
}

func (c *connection) handleInterim(text string) {
	c.send(protocol.STTPartial{
		Type:      protocol.TypeSTTPartial,
		SessionID: c.sess.ID,
		Text:      text,
		TSMs:      time.Now().UnixMilli(),
	})
}

func (c *connection) handleRestart(attempt int) {
	c.o.metrics.RecognitionRestarts.Inc()
	c.o.metrics.ObserveIndicator("recognition_restart")
	c.log.Debug("recognition restart", zap.Int("attempt", attempt))
}

func (c *connection) handleEntry(e transcript.Entry) {
	c.o.metrics.TranscriptEntries.WithLabelValues(string(e.Role)).Inc()
	c.send(protocol.TranscriptEntry{
		Type:      protocol.TypeTranscriptEntry,
		SessionID: c.sess.ID,
		EntryID:   e.ID,
		Role:      string(e.Role),
		Text:      e.Text,
		Timestamp: e.Timestamp.Format(transcript.TimestampLayout),
	})
}

func (c *connection) send(msg any) { c.o.send(c.outbound, msg) }

func (c *connection) sendError(code, source, detail string) {
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sess.ID,
		Code:      code,
		Source:    source,
		Detail:    detail,
	})
}

// send queues msg for the websocket writer. Critical messages wait briefly
// for room; audio and partials are dropped when the queue is full.
func (o *Orchestrator) send(outbound chan<- any, msg any) {
	msgType, critical := outboundMessageMeta(msg)
	if !critical {
		select {
		case outbound <- msg:
			o.metrics.ObserveOutboundMessage(msgType, "delivered")
		default:
			o.metrics.ObserveOutboundMessage(msgType, "dropped")
			o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
		return
	}

	timer := time.NewTimer(outboundTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		o.metrics.ObserveOutboundMessage(msgType, "delivered")
	case <-timer.C:
		o.metrics.ObserveOutboundMessage(msgType, "timeout")
		o.metrics.SessionEvents.WithLabelValues("outbound_timeout_critical").Inc()
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.AssistantAudioChunk:
		return string(m.Type), false
	case protocol.STTPartial:
		return string(m.Type), false
	case protocol.TranscriptEntry:
		return string(m.Type), true
	case protocol.SessionState:
		return string(m.Type), true
	case protocol.MediaRequest:
		return string(m.Type), true
	case protocol.RecognitionControl:
		return string(m.Type), true
	case protocol.RecordingReady:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	default:
		return "unknown", false
	}
}
