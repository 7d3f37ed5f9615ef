package control

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DirectiveKind selects the outbound message variant.
type DirectiveKind string

const (
	KindSessionUpdate  DirectiveKind = "session-update"
	KindResponseCreate DirectiveKind = "response-create"
)

type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// DefaultModalities is used when no modalities are configured.
var DefaultModalities = []Modality{ModalityAudio, ModalityText}

// Directive is an outbound instruction steering the persona.
type Directive struct {
	Kind         DirectiveKind
	Instructions string
	Modalities   []Modality
}

var ErrUnknownDirective = errors.New("unknown directive kind")

type sessionUpdateMessage struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Instructions string `json:"instructions"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response responsePayload `json:"response"`
}

type responsePayload struct {
	Modalities   []Modality `json:"modalities,omitempty"`
	Instructions string     `json:"instructions"`
}

// Encode renders d in the realtime endpoint's wire format.
func (d Directive) Encode() ([]byte, error) {
	switch d.Kind {
	case KindSessionUpdate:
		return json.Marshal(sessionUpdateMessage{
			Type:    "session.update",
			Session: sessionPayload{Instructions: d.Instructions},
		})
	case KindResponseCreate:
		return json.Marshal(responseCreateMessage{
			Type: "response.create",
			Response: responsePayload{
				Modalities:   d.Modalities,
				Instructions: d.Instructions,
			},
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDirective, d.Kind)
	}
}

// EventKind classifies inbound persona events.
type EventKind string

const (
	EventTextDelta         EventKind = "text-delta"
	EventResponseCompleted EventKind = "response-completed"
	EventError             EventKind = "error"
	EventOther             EventKind = "other"
)

// PersonaEvent is an inbound event from the remote endpoint.
type PersonaEvent struct {
	Kind EventKind
	// ID groups deltas with their completion (response id, else item id).
	ID    string
	Delta string
	// Type is the raw wire type.
	Type   string
	Code   string
	Detail string
}

type inboundMessage struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Response   *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParsePersonaEvent decodes one control channel message.
func ParsePersonaEvent(raw []byte) (PersonaEvent, error) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return PersonaEvent{}, fmt.Errorf("invalid persona event: %w", err)
	}
	ev := PersonaEvent{Kind: EventOther, Type: msg.Type}
	switch msg.Type {
	case "response.text.delta",
		"response.output_text.delta",
		"response.audio_transcript.delta",
		"response.output_audio_transcript.delta":
		ev.Kind = EventTextDelta
		ev.ID = firstNonEmpty(msg.ResponseID, msg.ItemID)
		ev.Delta = msg.Delta
	case "response.done":
		ev.Kind = EventResponseCompleted
		if msg.Response != nil {
			ev.ID = msg.Response.ID
			ev.Detail = msg.Response.Status
		}
		if ev.ID == "" {
			ev.ID = firstNonEmpty(msg.ResponseID, msg.ItemID)
		}
	case "error":
		ev.Kind = EventError
		if msg.Error != nil {
			ev.Code = firstNonEmpty(msg.Error.Code, msg.Error.Type)
			ev.Detail = msg.Error.Message
		}
	}
	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
