package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the counseling session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string

	AllowAnyOrigin bool

	// OpenAIAPIKey is optional; browsers may supply their own key per request.
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAIRealtimeModel   string
	OpenAIRealtimeVoice   string
	OpenAITranscribeModel string
	OpenAIHTTPTimeout     time.Duration

	RTCICEServers   []string
	RTCMediaTimeout time.Duration

	AudioSampleRate        int
	RecordingChunkInterval time.Duration

	TranscriptLanguage  string
	ReplyLanguage       string
	DirectiveModalities []string

	RecognitionRestartBase    time.Duration
	RecognitionRestartMax     time.Duration
	RecognitionForwardInterim bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "counselsim"),
		LogLevel:              strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		AllowAnyOrigin:        false,
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:         envOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIRealtimeModel:   envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2025-06-03"),
		OpenAIRealtimeVoice:   envOrDefault("OPENAI_REALTIME_VOICE", "ballad"),
		OpenAITranscribeModel: envOrDefault("OPENAI_TRANSCRIBE_MODEL", "gpt-4o-mini-transcribe"),
		RTCICEServers:         listFromEnv("RTC_ICE_SERVERS", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}),
		// The realtime endpoint negotiates G.711 at 8 kHz; mixing at the same
		// rate avoids a resample on the remote path.
		AudioSampleRate:           8000,
		TranscriptLanguage:        envOrDefault("TRANSCRIPT_LANGUAGE", "auto"),
		ReplyLanguage:             envOrDefault("REPLY_LANGUAGE", "English (US)"),
		DirectiveModalities:       listFromEnv("DIRECTIVE_MODALITIES", []string{"audio", "text"}),
		ShutdownTimeout:           15 * time.Second,
		SessionInactivityTimeout:  10 * time.Minute,
		OpenAIHTTPTimeout:         30 * time.Second,
		RTCMediaTimeout:           30 * time.Second,
		RecordingChunkInterval:    time.Second,
		RecognitionRestartBase:    250 * time.Millisecond,
		RecognitionRestartMax:     5 * time.Second,
		RecognitionForwardInterim: true,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIHTTPTimeout, err = durationFromEnv("OPENAI_HTTP_TIMEOUT", cfg.OpenAIHTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RTCMediaTimeout, err = durationFromEnv("RTC_MEDIA_TIMEOUT", cfg.RTCMediaTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.RecordingChunkInterval, err = durationFromEnv("RECORDING_CHUNK_INTERVAL", cfg.RecordingChunkInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.RecognitionRestartBase, err = durationFromEnv("RECOGNITION_RESTART_BASE", cfg.RecognitionRestartBase)
	if err != nil {
		return Config{}, err
	}
	cfg.RecognitionRestartMax, err = durationFromEnv("RECOGNITION_RESTART_MAX", cfg.RecognitionRestartMax)
	if err != nil {
		return Config{}, err
	}
	cfg.RecognitionForwardInterim, err = boolFromEnv("RECOGNITION_FORWARD_INTERIM", cfg.RecognitionForwardInterim)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("APP_LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch cfg.AudioSampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be 8000, 16000, 24000 or 48000")
	}
	if cfg.RecordingChunkInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("RECORDING_CHUNK_INTERVAL must be at least 100ms")
	}
	if cfg.RTCMediaTimeout <= 0 {
		return Config{}, fmt.Errorf("RTC_MEDIA_TIMEOUT must be positive")
	}
	if cfg.RecognitionRestartBase <= 0 {
		return Config{}, fmt.Errorf("RECOGNITION_RESTART_BASE must be positive")
	}
	if cfg.RecognitionRestartMax < cfg.RecognitionRestartBase {
		return Config{}, fmt.Errorf("RECOGNITION_RESTART_MAX must be >= RECOGNITION_RESTART_BASE")
	}
	if len(cfg.DirectiveModalities) == 0 {
		return Config{}, fmt.Errorf("DIRECTIVE_MODALITIES must not be empty")
	}
	for i, m := range cfg.DirectiveModalities {
		m = strings.ToLower(m)
		cfg.DirectiveModalities[i] = m
		if m != "audio" && m != "text" {
			return Config{}, fmt.Errorf("DIRECTIVE_MODALITIES: unknown modality %q", m)
		}
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// listFromEnv splits a comma separated value, dropping empty items.
func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
