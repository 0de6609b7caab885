package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EventType identifies inbound event stream frames.
type EventType string

const (
	EventAvatarStartTalking EventType = "avatar_start_talking"
	EventAvatarStopTalking  EventType = "avatar_stop_talking"
	EventStreamReady        EventType = "stream_ready"
	EventUserStart          EventType = "user_start"
	EventUserStop           EventType = "user_stop"
	EventUserMessage        EventType = "user_message"
	EventSTTResult          EventType = "stt_result"
	EventError              EventType = "error"
)

const TypeChat = "chat"

var ErrInvalidFrame = errors.New("invalid event frame")

var knownEvents = map[EventType]struct{}{
	EventAvatarStartTalking: {},
	EventAvatarStopTalking:  {},
	EventStreamReady:        {},
	EventUserStart:          {},
	EventUserStop:           {},
	EventUserMessage:        {},
	EventSTTResult:          {},
	EventError:              {},
}

// Event is one decoded inbound frame. Fields not carried by a given type are
// left zero; Raw keeps the original bytes for logging unknown types.
type Event struct {
	Type    EventType       `json:"type"`
	Message string          `json:"message,omitempty"`
	Text    string          `json:"text,omitempty"`
	IsFinal bool            `json:"is_final,omitempty"`
	Code    string          `json:"-"`
	Raw     json.RawMessage `json:"-"`
}

// wireEvent keeps every field except type raw so one oddly typed field never
// drops an otherwise valid frame.
type wireEvent struct {
	Type    EventType       `json:"type"`
	Message json.RawMessage `json:"message"`
	Text    json.RawMessage `json:"text"`
	IsFinal json.RawMessage `json:"is_final"`
	Final   json.RawMessage `json:"final"`
	Code    json.RawMessage `json:"code"`
}

// ParseEvent decodes a frame. Unknown types are returned without error; only
// non-JSON input, a non-object or a missing or non-string type is rejected.
func ParseEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if strings.TrimSpace(string(w.Type)) == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}

	ev := Event{
		Type:    w.Type,
		Message: lenientString(w.Message),
		Text:    lenientString(w.Text),
		Code:    codeString(w.Code),
		Raw:     append(json.RawMessage(nil), raw...),
	}
	if v, ok := lenientBool(w.IsFinal); ok {
		ev.IsFinal = v
	} else if v, ok := lenientBool(w.Final); ok {
		ev.IsFinal = v
	}
	return ev, nil
}

func (e Event) Known() bool {
	_, ok := knownEvents[e.Type]
	return ok
}

// Utterance returns committed user speech: the text of a user_message or a
// final stt_result. Partial transcripts and other types yield "".
func (e Event) Utterance() string {
	switch e.Type {
	case EventUserMessage:
		return firstNonEmpty(e.Message, e.Text)
	case EventSTTResult:
		if e.IsFinal {
			return firstNonEmpty(e.Text, e.Message)
		}
	}
	return ""
}

// Partial returns the in-progress transcript of a non-final stt_result.
func (e Event) Partial() string {
	if e.Type == EventSTTResult && !e.IsFinal {
		return firstNonEmpty(e.Text, e.Message)
	}
	return ""
}

// ErrorMessage returns a human-readable message for an error event.
func (e Event) ErrorMessage() string {
	msg := firstNonEmpty(e.Message, e.Text)
	if msg == "" {
		msg = "event stream reported an error"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (code %s)", msg, e.Code)
	}
	return msg
}

// ChatFrame is the single outbound frame type.
type ChatFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewChatFrame(text string) ChatFrame {
	return ChatFrame{Type: TypeChat, Message: text}
}

// lenientString reads a string field that may arrive as a string, an object
// carrying a message/detail/error string, or any other JSON value (kept as
// compact JSON text).
func lenientString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	if raw[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err == nil {
			for _, key := range []string{"message", "detail", "error", "text"} {
				if v := lenientString(obj[key]); v != "" {
					return v
				}
			}
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(raw)
}

// lenientBool reads a boolean sent as a bool, a string ("true", "1") or a
// number. ok is false when the field is absent or unreadable.
func lenientBool(raw json.RawMessage) (value, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if b, err := strconv.ParseBool(strings.TrimSpace(str)); err == nil {
			return b, true
		}
		return false, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0, true
	}
	return false, false
}

func codeString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
