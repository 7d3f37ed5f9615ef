package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ent0n29/counselsim/internal/rtc"
)

func TestCreateRealtimeSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime/sessions" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Fatalf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"sess_1","client_secret":{"value":"ek_abc","expires_at":1760000000}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	cred, err := c.CreateRealtimeSession(context.Background(), " sk-test ")
	if err != nil {
		t.Fatalf("CreateRealtimeSession() error = %v", err)
	}
	if cred.EphemeralKey != "ek_abc" || cred.ExpiresAt != 1760000000 || cred.SessionID != "sess_1" {
		t.Fatalf("credential = %+v", cred)
	}

	if _, err := c.CreateRealtimeSession(context.Background(), ""); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("missing key error = %v, want ErrMissingAPIKey", err)
	}
}

func TestCreateRealtimeSessionUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).CreateRealtimeSession(context.Background(), "sk-bad")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Incorrect API key provided" {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestNegotiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime" || r.URL.Query().Get("model") != "test-model" {
			t.Fatalf("url = %s", r.URL.String())
		}
		if got := r.Header.Get("Content-Type"); got != "application/sdp" {
			t.Fatalf("Content-Type = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ek_abc" {
			t.Fatalf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "v=0 offer" {
			t.Fatalf("offer = %q", body)
		}
		_, _ = io.WriteString(w, "v=0 answer")
	}))
	defer srv.Close()

	answer, err := NewClient(Config{BaseURL: srv.URL + "/", RealtimeModel: "test-model"}).
		Negotiate(context.Background(), "ek_abc", "v=0 offer")
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if answer != "v=0 answer" {
		t.Fatalf("answer = %q", answer)
	}
}

func TestNegotiateRejectedSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "Invalid SDP offer\n")
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Negotiate(context.Background(), "ek", "offer")
	var ne *rtc.NegotiationError
	if !errors.As(err, &ne) {
		t.Fatalf("error = %v, want NegotiationError", err)
	}
	if ne.Status != http.StatusBadRequest || ne.Message != "Invalid SDP offer" {
		t.Fatalf("NegotiationError = %+v", ne)
	}
}

func TestTranscribe(t *testing.T) {
	cases := []struct {
		language     string
		wantLanguage string
	}{
		{"auto", ""},
		{"", ""},
		{"ko", "ko"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/audio/transcriptions" {
				t.Fatalf("path = %q", r.URL.Path)
			}
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("ParseMultipartForm() error = %v", err)
			}
			if got := r.FormValue("model"); got != DefaultTranscribeModel {
				t.Fatalf("model = %q", got)
			}
			if got := r.FormValue("language"); got != tc.wantLanguage {
				t.Fatalf("language = %q, want %q", got, tc.wantLanguage)
			}
			f, hdr, err := r.FormFile("file")
			if err != nil {
				t.Fatalf("FormFile() error = %v", err)
			}
			defer f.Close()
			data, _ := io.ReadAll(f)
			if string(data) != "RIFF" || hdr.Filename != "session.wav" {
				t.Fatalf("file = %q name %q", data, hdr.Filename)
			}
			_, _ = io.WriteString(w, `{"text":"  hello there  "}`)
		}))

		text, err := NewClient(Config{BaseURL: srv.URL}).Transcribe(context.Background(), TranscribeRequest{
			APIKey:   "sk",
			Audio:    []byte("RIFF"),
			Language: tc.language,
		})
		srv.Close()
		if err != nil {
			t.Fatalf("Transcribe(%q) error = %v", tc.language, err)
		}
		if text != "hello there" {
			t.Fatalf("Transcribe(%q) = %q, want trimmed text", tc.language, text)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	cases := map[string]string{
		`{"error":{"message":"bad key"}}`: "bad key",
		`{"error":"plain"}`:               "plain",
		"  raw text ":                     "raw text",
	}
	for in, want := range cases {
		if got := errorMessage([]byte(in)); got != want {
			t.Fatalf("errorMessage(%q) = %q, want %q", in, got, want)
		}
	}
}
