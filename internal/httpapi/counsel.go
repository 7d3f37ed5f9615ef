package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/counselsim/internal/observability"
	"github.com/ent0n29/counselsim/internal/openai"
	"github.com/ent0n29/counselsim/internal/policy"
	"github.com/ent0n29/counselsim/internal/transcript"
)

const maxTranscribeUpload = 32 << 20

type ephemeralKeyRequest struct {
	Scenario         string `json:"scenario"`
	ClientBackground string `json:"client_background"`
	APIKey           string `json:"api_key"`
}

type transcribeResponse struct {
	Text    string `json:"text"`
	Warning string `json:"warning,omitempty"`
	EntryID string `json:"entry_id,omitempty"`
}

func (s *Server) handleEphemeralKey(w http.ResponseWriter, r *http.Request) {
	var req ephemeralKeyRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	credential, ok := s.mintCredential(w, r, req.APIKey)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, credential)
}

// mintCredential asks the upstream service for an ephemeral key, falling
// back to the server key. On failure it has already written the response.
func (s *Server) mintCredential(w http.ResponseWriter, r *http.Request, apiKey string) (openai.Credential, bool) {
	if s.realtime == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "realtime client not configured")
		return openai.Credential{}, false
	}
	key := strings.TrimSpace(apiKey)
	if key == "" {
		key = strings.TrimSpace(s.cfg.OpenAIAPIKey)
	}
	if key == "" {
		respondError(w, http.StatusBadRequest, "missing_api_key", "An OpenAI API key is required to start a session.")
		return openai.Credential{}, false
	}

	credential, err := s.realtime.CreateRealtimeSession(r.Context(), key)
	if err != nil {
		s.respondUpstreamError(w, "credential", err)
		return openai.Credential{}, false
	}
	s.metrics.SessionEvents.WithLabelValues("credential_minted").Inc()
	return credential, true
}

func (s *Server) respondUpstreamError(w http.ResponseWriter, op string, err error) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		s.metrics.ProviderErrors.WithLabelValues("openai", strconv.Itoa(apiErr.Status)).Inc()
		respondError(w, apiErr.Status, op+"_failed", apiErr.Message)
		return
	}
	if errors.Is(err, openai.ErrMissingAPIKey) {
		respondError(w, http.StatusBadRequest, "missing_api_key", err.Error())
		return
	}
	s.metrics.ProviderErrors.WithLabelValues("openai", "transport").Inc()
	s.log.Warn("upstream request failed", zap.String("op", op), zap.Error(err))
	respondError(w, http.StatusBadGateway, op+"_failed", err.Error())
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.realtime == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "realtime client not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxTranscribeUpload)
	if err := r.ParseMultipartForm(maxTranscribeUpload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_audio", "form field audio is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}

	apiKey := strings.TrimSpace(r.FormValue("api_key"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(s.cfg.OpenAIAPIKey)
	}
	language := strings.TrimSpace(r.FormValue("language"))
	if language == "" {
		language = s.cfg.TranscriptLanguage
	}

	started := time.Now()
	text, err := s.realtime.Transcribe(r.Context(), openai.TranscribeRequest{
		APIKey:   apiKey,
		Audio:    data,
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Language: language,
	})
	if err != nil {
		s.respondUpstreamError(w, "transcription", err)
		return
	}
	s.metrics.ObserveStage(observability.StageTranscribe, time.Since(started))

	resp := transcribeResponse{Text: text}
	sessionID := strings.TrimSpace(r.FormValue("session_id"))
	switch {
	case text == "":
		s.log.Warn("bulk transcription returned no text", zap.String("session_id", sessionID), zap.Int("bytes", len(data)))
		resp.Warning = "empty_transcription"
	case sessionID != "" && s.orchestrator != nil:
		if _, err := s.sessions.Get(sessionID); err == nil {
			if e, ok := s.orchestrator.AppendBulkTranscript(sessionID, text); ok {
				resp.EntryID = e.ID
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	id := chi.URLParam(r, "id")
	a, ok := s.orchestrator.Artifacts().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "recording_not_found", "recording is gone or was never published")
		return
	}
	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="counseling-%s.wav"`, a.CreatedAt.Format("20060102-150405")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Data)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	id := chi.URLParam(r, "id")
	log, ok := s.orchestrator.Transcript(id)
	if !ok {
		respondError(w, http.StatusNotFound, "transcript_not_found", "no transcript for this session")
		return
	}

	entries := log.Entries()
	if redact, _ := strconv.ParseBool(r.URL.Query().Get("redact")); redact {
		texts := make([]string, len(entries))
		for i, e := range entries {
			texts[i] = e.Text
		}
		texts, _ = policy.RedactAll(texts)
		for i := range entries {
			entries[i].Text = texts[i]
		}
	}

	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))) {
	case "", "text", "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, transcript.FormatText(entries))
	case "json":
		respondJSON(w, http.StatusOK, entries)
	default:
		respondError(w, http.StatusBadRequest, "invalid_format", "format must be text or json")
	}
}
