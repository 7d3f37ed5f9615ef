package app

import (
	"go.uber.org/zap"

	"github.com/ent0n29/counselsim/internal/config"
	"github.com/ent0n29/counselsim/internal/control"
	"github.com/ent0n29/counselsim/internal/counsel"
	"github.com/ent0n29/counselsim/internal/httpapi"
	"github.com/ent0n29/counselsim/internal/observability"
	"github.com/ent0n29/counselsim/internal/openai"
	"github.com/ent0n29/counselsim/internal/recording"
	"github.com/ent0n29/counselsim/internal/rtc"
	"github.com/ent0n29/counselsim/internal/session"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *counsel.Orchestrator
	Metrics      *observability.Metrics
}

func Build(cfg config.Config, logger *zap.Logger) *BuildResult {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	client := openai.NewClient(openai.Config{
		BaseURL:         cfg.OpenAIBaseURL,
		RealtimeModel:   cfg.OpenAIRealtimeModel,
		Voice:           cfg.OpenAIRealtimeVoice,
		TranscribeModel: cfg.OpenAITranscribeModel,
		Timeout:         cfg.OpenAIHTTPTimeout,
	})

	artifacts := recording.NewArtifacts()
	artifacts.SetReleaseHook(func(sessionID string, a *recording.Artifact) {
		logger.Debug("recording released", zap.String("session_id", sessionID), zap.String("artifact_id", a.ID))
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	orchestrator := counsel.NewOrchestrator(
		counsel.Config{
			SampleRate:          cfg.AudioSampleRate,
			MediaTimeout:        cfg.RTCMediaTimeout,
			ChunkInterval:       cfg.RecordingChunkInterval,
			ReplyLanguage:       cfg.ReplyLanguage,
			Modalities:          modalities(cfg.DirectiveModalities),
			RecognitionLanguage: cfg.TranscriptLanguage,
			RestartBase:         cfg.RecognitionRestartBase,
			RestartMax:          cfg.RecognitionRestartMax,
			ForwardInterim:      cfg.RecognitionForwardInterim,
		},
		sessions,
		client,
		rtc.NewPionTransportFactory(rtc.PionConfig{
			ICEServers: cfg.RTCICEServers,
			Codec:      rtc.PCMU{},
			Logger:     logger.Named("rtc"),
		}),
		artifacts,
		metrics,
		logger.Named("counsel"),
	)

	sessions.SetExpireHook(func(s *session.Session) {
		orchestrator.Forget(s.ID)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		logger.Info("counseling session expired", zap.String("session_id", s.ID))
	})

	api := httpapi.New(cfg, sessions, orchestrator, client, metrics, logger.Named("http"))

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
	}
}

func modalities(names []string) []control.Modality {
	if len(names) == 0 {
		return control.DefaultModalities
	}
	out := make([]control.Modality, 0, len(names))
	for _, n := range names {
		out = append(out, control.Modality(n))
	}
	return out
}
