package streamapi

import "encoding/json"

// SessionInfo is the credential set issued by session creation. It is treated
// as immutable once returned.
type SessionInfo struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}

// Valid reports whether every credential field is present.
func (s SessionInfo) Valid() bool {
	return s.SessionID != "" && s.URL != "" && s.AccessToken != ""
}

// TaskType selects how the avatar treats task text.
type TaskType string

const (
	// TaskTypeTalk runs the text through the provider's language model first.
	TaskTypeTalk TaskType = "talk"
	// TaskTypeRepeat speaks the text verbatim.
	TaskTypeRepeat TaskType = "repeat"
)

// Task is an outbound instruction telling the avatar what to say.
type Task struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	TaskType  TaskType `json:"task_type"`
}

// SessionDefaults is the fixed configuration sent with every new session.
type SessionDefaults struct {
	Quality       string
	AvatarName    string
	Version       string
	VideoEncoding string
	STTProvider   string
	STTConfidence float64
}

type sttSettings struct {
	Provider   string  `json:"provider"`
	Confidence float64 `json:"confidence"`
}

type newSessionRequest struct {
	Quality       string      `json:"quality"`
	AvatarName    string      `json:"avatar_name"`
	Version       string      `json:"version"`
	VideoEncoding string      `json:"video_encoding"`
	STTSettings   sttSettings `json:"stt_settings"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

// Envelope is the wrapped response shape: {"data": {...}, "error": null}.
// Some API versions also carry code/message siblings.
type Envelope[T any] struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    *T              `json:"data"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// TokenPayload is the bare token shape: {"token": "..."}.
type TokenPayload struct {
	Token string `json:"token"`
}

// SessionPayload is the bare session shape.
type SessionPayload = SessionInfo

type (
	TokenEnvelope   = Envelope[TokenPayload]
	SessionEnvelope = Envelope[SessionPayload]
)

// Shape names which response schema a body matched.
type Shape string

const (
	ShapeWrapped Shape = "wrapped"
	ShapeBare    Shape = "bare"
)

// Decoded is the tagged result of a two-shape decode.
type Decoded[T any] struct {
	Value T
	Shape Shape
}

type (
	TokenResult   = Decoded[TokenPayload]
	SessionResult = Decoded[SessionPayload]
)

// ChatOptions are the fixed behaviour parameters of the chat event stream.
type ChatOptions struct {
	OpeningText         string
	STTLanguage         string
	SilenceResponse     bool
	EnableSTT           bool
	EnableVoiceActivity bool
}

func DefaultChatOptions(openingText, language string) ChatOptions {
	if language == "" {
		language = "en"
	}
	return ChatOptions{
		OpeningText:         openingText,
		STTLanguage:         language,
		SilenceResponse:     false,
		EnableSTT:           true,
		EnableVoiceActivity: true,
	}
}
