package avatar

import "time"

// StatusKind is the variant of a ConnectionStatus.
type StatusKind string

const (
	StatusDisconnected StatusKind = "disconnected"
	StatusConnecting   StatusKind = "connecting"
	StatusConnected    StatusKind = "connected"
	StatusError        StatusKind = "error"
)

// ConnectionStatus is the single observable error channel of a session.
// Message is only set for StatusError.
type ConnectionStatus struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message,omitempty"`
}

func Disconnected() ConnectionStatus { return ConnectionStatus{Kind: StatusDisconnected} }
func Connecting() ConnectionStatus   { return ConnectionStatus{Kind: StatusConnecting} }
func Connected() ConnectionStatus    { return ConnectionStatus{Kind: StatusConnected} }

func Failed(message string) ConnectionStatus {
	return ConnectionStatus{Kind: StatusError, Message: message}
}

func (s ConnectionStatus) IsError() bool { return s.Kind == StatusError }

func (s ConnectionStatus) String() string {
	if s.Kind == StatusError && s.Message != "" {
		return string(s.Kind) + ": " + s.Message
	}
	return string(s.Kind)
}

// Phase is the session lifecycle position.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	PhaseEnded      Phase = "ended"
	PhaseError      Phase = "error"
)

// State is an immutable snapshot of everything a UI layer may observe.
type State struct {
	Phase             Phase            `json:"phase"`
	Status            ConnectionStatus `json:"status"`
	IsSessionActive   bool             `json:"is_session_active"`
	IsAvatarTalking   bool             `json:"is_avatar_talking"`
	IsUserTalking     bool             `json:"is_user_talking"`
	SpeakingIntent    bool             `json:"speaking_intent"`
	LastSentMessage   string           `json:"last_sent_message,omitempty"`
	LastUserUtterance string           `json:"last_user_utterance,omitempty"`
	PartialTranscript string           `json:"partial_transcript,omitempty"`
	SessionID         string           `json:"avatar_session_id,omitempty"`
	StreamConnected   bool             `json:"stream_connected"`
	MediaConnected    bool             `json:"media_connected"`
	HasVideoTrack     bool             `json:"has_video_track"`
	Degraded          bool             `json:"degraded"`
	DegradedReason    string           `json:"degraded_reason,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func initialState() State {
	return State{Phase: PhaseIdle, Status: Disconnected(), UpdatedAt: time.Now().UTC()}
}
