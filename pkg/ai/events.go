package ai

import (
	"encoding/json"
	"fmt"
)

// Event is one message from the AI leg's realtime event stream. The set of
// variants is closed; anything outside it parses to Unknown and is logged
// and ignored rather than treated as an error.
type Event interface {
	eventType() string
}

// AudioDelta carries a base64 chunk of synthesized speech for the caller
type AudioDelta struct {
	Delta string
}

// SpeechStarted signals server-side voice activity detection on caller audio
type SpeechStarted struct{}

// FunctionCallDone signals that the AI finished emitting a function call
type FunctionCallDone struct {
	Name      string
	CallID    string
	Arguments string
}

// OutputItemAdded signals the AI begun producing a new output item. While the
// call is ending this is the earliest reliable proxy for "the spoken goodbye
// has started".
type OutputItemAdded struct {
	ItemType string
}

// ResponseDone signals the AI finished generating a response
type ResponseDone struct{}

// AudioDone signals the AI finished emitting audio for the current response
type AudioDone struct{}

// SessionCreated acknowledges the realtime session handshake
type SessionCreated struct {
	SessionID string
}

// SessionUpdated acknowledges a session.update
type SessionUpdated struct{}

// ErrorEvent carries an error reported by the AI service. It does not by
// itself end the call; the AI may recover.
type ErrorEvent struct {
	Code    string
	Message string
}

// Unknown carries an event type outside the known vocabulary
type Unknown struct {
	Type string
	Raw  []byte
}

func (AudioDelta) eventType() string       { return "audio.delta" }
func (SpeechStarted) eventType() string    { return "speech_started" }
func (FunctionCallDone) eventType() string { return "function_call_arguments.done" }
func (OutputItemAdded) eventType() string  { return "output_item.added" }
func (ResponseDone) eventType() string     { return "response.done" }
func (AudioDone) eventType() string        { return "audio.done" }
func (SessionCreated) eventType() string   { return "session.created" }
func (SessionUpdated) eventType() string   { return "session.updated" }
func (ErrorEvent) eventType() string       { return "error" }
func (u Unknown) eventType() string        { return u.Type }

// EventType returns the wire-level type label for metrics and logging
func EventType(e Event) string {
	if e == nil {
		return ""
	}
	return e.eventType()
}

// eventEnvelope is the superset of fields across known event types
type eventEnvelope struct {
	Type      string `json:"type"`
	Delta     string `json:"delta"`
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`
	Item      struct {
		Type string `json:"type"`
	} `json:"item"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseEvent decodes one raw message into a typed event. Malformed JSON is an
// error; the caller drops the single event and continues.
func ParseEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed AI event: %w", err)
	}

	switch env.Type {
	case "response.audio.delta", "response.output_audio.delta":
		if env.Delta == "" {
			return nil, fmt.Errorf("audio delta event missing delta field")
		}
		return AudioDelta{Delta: env.Delta}, nil

	case "input_audio_buffer.speech_started":
		return SpeechStarted{}, nil

	case "response.function_call_arguments.done":
		if env.Name == "" || env.CallID == "" {
			return nil, fmt.Errorf("function call event missing name or call_id")
		}
		return FunctionCallDone{Name: env.Name, CallID: env.CallID, Arguments: env.Arguments}, nil

	case "response.output_item.added":
		return OutputItemAdded{ItemType: env.Item.Type}, nil

	case "response.done":
		return ResponseDone{}, nil

	case "response.audio.done", "response.output_audio.done":
		return AudioDone{}, nil

	case "session.created":
		return SessionCreated{SessionID: env.Session.ID}, nil

	case "session.updated":
		return SessionUpdated{}, nil

	case "error":
		return ErrorEvent{Code: env.Error.Code, Message: env.Error.Message}, nil

	default:
		return Unknown{Type: env.Type, Raw: data}, nil
	}
}
