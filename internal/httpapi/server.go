package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/counselsim/internal/config"
	"github.com/ent0n29/counselsim/internal/observability"
	"github.com/ent0n29/counselsim/internal/openai"
	"github.com/ent0n29/counselsim/internal/persona"
	"github.com/ent0n29/counselsim/internal/protocol"
	"github.com/ent0n29/counselsim/internal/recording"
	"github.com/ent0n29/counselsim/internal/session"
	"github.com/ent0n29/counselsim/internal/transcript"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	Transcript(sessionID string) (*transcript.Log, bool)
	AppendBulkTranscript(sessionID, text string) (transcript.Entry, bool)
	Forget(sessionID string)
	Artifacts() *recording.Artifacts
}

// Realtime is the upstream speech service used for credentials and bulk
// transcription.
type Realtime interface {
	CreateRealtimeSession(ctx context.Context, apiKey string) (openai.Credential, error)
	Transcribe(ctx context.Context, in openai.TranscribeRequest) (string, error)
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	realtime     Realtime
	metrics      *observability.Metrics
	log          *zap.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, realtime Realtime, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		realtime:     realtime,
		metrics:      metrics,
		log:          logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a trainee's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/counsel/sessions", s.handleCreateSession)
	r.Post("/v1/counsel/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/counsel/session/ws", s.handleSessionWS)
	r.Get("/v1/counsel/session/{id}/transcript", s.handleTranscript)

	r.Post("/v1/realtime/ephemeral-key", s.handleEphemeralKey)
	r.Post("/v1/transcribe", s.handleTranscribe)
	r.Get("/v1/recordings/{id}", s.handleRecording)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"server_api_key":     strings.TrimSpace(s.cfg.OpenAIAPIKey) != "",
		"orchestrator_ready": s.orchestrator != nil,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Scenario = strings.TrimSpace(req.Scenario)
	if req.Scenario == "" {
		respondError(w, http.StatusBadRequest, "missing_scenario", "a scenario describing the client's concern is required")
		return
	}

	credential := openai.Credential{EphemeralKey: strings.TrimSpace(req.EphemeralKey)}
	if credential.EphemeralKey == "" {
		minted, ok := s.mintCredential(w, r, req.APIKey)
		if !ok {
			return
		}
		credential = minted
	}

	sess := s.sessions.Create(session.Params{
		Scenario:         req.Scenario,
		ClientBackground: strings.TrimSpace(req.ClientBackground),
		Credential:       credential.EphemeralKey,
		CredentialExpiry: credential.ExpiresAt,
		Emotion:          persona.LookupEmotion(req.Emotion).String(),
		Verbosity:        persona.LookupVerbosity(req.Verbosity).String(),
	})
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.log.Info("counseling session created", zap.String("session_id", sess.ID))

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:        sess.ID,
		Status:           sess.Status,
		Scenario:         sess.Scenario,
		ClientBackground: sess.ClientBackground,
		Emotion:          sess.Emotion,
		Verbosity:        sess.Verbosity,
		CredentialExpiry: sess.CredentialExpiry,
		StartedAt:        sess.StartedAt,
		LastActivityAt:   sess.LastActivityAt,
		InactivityTTLMS:  s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.orchestrator != nil {
		s.orchestrator.Forget(id)
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.orchestrator.RunConnection(ctx, sess, inbound, outbound); err != nil {
			s.log.Warn("connection ended with error", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				if !s.writeOutbound(conn, msg) {
					cancel()
					return
				}
			case <-runDone:
				// Flush what the connection queued before it returned, then ask
				// the browser to close so the read loop unblocks.
			flush:
				for {
					select {
					case msg := <-outbound:
						if !s.writeOutbound(conn, msg) {
							return
						}
					default:
						break flush
					}
				}
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), deadline)
				_ = conn.SetReadDeadline(deadline.Add(time.Second))
				return
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "queued")
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "drop_full")
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case <-runDone:
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) writeOutbound(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
		return false
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ClientRecognition:
		return m.Type, true
	case protocol.STTPartial:
		return m.Type, true
	case protocol.TranscriptEntry:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.SessionState:
		return m.Type, true
	case protocol.MediaRequest:
		return m.Type, true
	case protocol.RecognitionControl:
		return m.Type, true
	case protocol.RecordingReady:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
