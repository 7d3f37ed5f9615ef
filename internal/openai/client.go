package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/counselsim/internal/rtc"
)

const (
	DefaultBaseURL         = "https://api.openai.com"
	DefaultRealtimeModel   = "gpt-4o-realtime-preview-2025-06-03"
	DefaultRealtimeVoice   = "ballad"
	DefaultTranscribeModel = "gpt-4o-mini-transcribe"
)

var ErrMissingAPIKey = errors.New("OpenAI API key is required")

// APIError is a non-success answer from the upstream API. Message is the
// upstream error.message when present.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai http status %d: %s", e.Status, e.Message)
}

type Config struct {
	BaseURL         string
	RealtimeModel   string
	Voice           string
	TranscribeModel string
	Timeout         time.Duration
}

// Client talks to the realtime session, SDP and transcription endpoints.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RealtimeModel == "" {
		cfg.RealtimeModel = DefaultRealtimeModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultRealtimeVoice
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = DefaultTranscribeModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) RealtimeModel() string { return c.cfg.RealtimeModel }

// Credential is a short-lived key for one realtime session.
type Credential struct {
	EphemeralKey string `json:"ephemeral_key"`
	ExpiresAt    int64  `json:"expires_at"`
	SessionID    string `json:"session_id"`
}

// CreateRealtimeSession mints an ephemeral key with the caller's API key.
func (c *Client) CreateRealtimeSession(ctx context.Context, apiKey string) (Credential, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return Credential{}, ErrMissingAPIKey
	}
	payload, err := json.Marshal(map[string]string{
		"model": c.cfg.RealtimeModel,
		"voice": c.cfg.Voice,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/realtime/sessions", bytes.NewReader(payload))
	if err != nil {
		return Credential{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return Credential{}, err
	}
	var out struct {
		ID           string `json:"id"`
		ClientSecret struct {
			Value     string `json:"value"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Credential{}, fmt.Errorf("decode session: %w", err)
	}
	if out.ClientSecret.Value == "" {
		return Credential{}, errors.New("openai session response has no client secret")
	}
	return Credential{
		EphemeralKey: out.ClientSecret.Value,
		ExpiresAt:    out.ClientSecret.ExpiresAt,
		SessionID:    out.ID,
	}, nil
}

// Negotiate posts the local SDP offer and returns the remote answer.
func (c *Client) Negotiate(ctx context.Context, credential, offer string) (string, error) {
	u := c.cfg.BaseURL + "/v1/realtime?model=" + url.QueryEscape(c.cfg.RealtimeModel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/sdp")

	body, err := c.do(req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "", &rtc.NegotiationError{Status: apiErr.Status, Message: apiErr.Message, Err: err}
		}
		return "", err
	}
	return string(body), nil
}

type TranscribeRequest struct {
	APIKey   string
	Audio    []byte
	Filename string
	MimeType string
	// Language is an ISO code; "auto" and empty let the model detect it.
	Language string
}

// Transcribe runs a one-shot transcription of a complete recording.
func (c *Client) Transcribe(ctx context.Context, in TranscribeRequest) (string, error) {
	apiKey := strings.TrimSpace(in.APIKey)
	if apiKey == "" {
		return "", ErrMissingAPIKey
	}
	filename := in.Filename
	if filename == "" {
		filename = "session.wav"
	}
	mimeType := in.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", mimeType)
	fw, err := mw.CreatePart(header)
	if err != nil {
		_ = mw.Close()
		return "", err
	}
	if _, err := fw.Write(in.Audio); err != nil {
		_ = mw.Close()
		return "", err
	}
	_ = mw.WriteField("model", c.cfg.TranscribeModel)
	if lang := strings.TrimSpace(in.Language); lang != "" && !strings.EqualFold(lang, "auto") {
		_ = mw.WriteField("language", lang)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	raw, err := c.do(req)
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &APIError{Status: res.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage extracts error.message from a JSON error body, falling back
// to the raw text.
func errorMessage(body []byte) string {
	var obj struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && len(obj.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(obj.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if err := json.Unmarshal(obj.Error, &flat); err == nil && flat != "" {
			return flat
		}
	}
	return strings.TrimSpace(string(body))
}

var _ rtc.Negotiator = (*Client)(nil)
