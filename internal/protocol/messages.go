package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk  MessageType = "client_audio_chunk"
	TypeClientControl     MessageType = "client_control"
	TypeClientRecognition MessageType = "client_recognition"

	TypeSTTPartial         MessageType = "stt_partial"
	TypeTranscriptEntry    MessageType = "transcript_entry"
	TypeAssistantAudio     MessageType = "assistant_audio_chunk"
	TypeSessionState       MessageType = "session_state"
	TypeMediaRequest       MessageType = "media_request"
	TypeRecognitionControl MessageType = "recognition_control"
	TypeRecordingReady     MessageType = "recording_ready"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Client control actions.
const (
	ActionMicGranted           = "mic_granted"
	ActionMicDenied            = "mic_denied"
	ActionSetEmotion           = "set_emotion"
	ActionSetVerbosity         = "set_verbosity"
	ActionRemindRole           = "remind_role"
	ActionStartRecording       = "start_recording"
	ActionStopRecording        = "stop_recording"
	ActionRecognitionAvailable = "recognition_available"
	ActionRecognitionEnable    = "recognition_enable"
	ActionRecognitionDisable   = "recognition_disable"
	ActionRecognitionEnded     = "recognition_ended"
	ActionStop                 = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	// Value carries the preset name for set_emotion / set_verbosity and the
	// flag for recognition_available ("true"/"false").
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason,omitempty"`
	TSMs   int64  `json:"ts_ms,omitempty"`
}

// ClientRecognition is one browser speech recognition result.
type ClientRecognition struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Final     bool        `json:"final"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type STTPartial struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type TranscriptEntry struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	EntryID   string      `json:"entry_id"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
	Timestamp string      `json:"timestamp"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate"`
	AudioBase64 string      `json:"audio_base64"`
}

type SessionState struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	State          string      `json:"state"`
	TransportState string      `json:"transport_state"`
}

// MediaRequest asks the browser to open its microphone and report back
// with mic_granted or mic_denied.
type MediaRequest struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	SampleRate int         `json:"sample_rate"`
}

type RecognitionControl struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Action     string      `json:"action"`
	Language   string      `json:"language,omitempty"`
	Continuous bool        `json:"continuous,omitempty"`
	Interim    bool        `json:"interim,omitempty"`
}

type RecordingReady struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ArtifactID  string      `json:"artifact_id"`
	MimeType    string      `json:"mime_type"`
	DurationMS  int64       `json:"duration_ms"`
	DownloadURL string      `json:"download_url"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	case TypeClientRecognition:
		var msg ClientRecognition
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_recognition")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
