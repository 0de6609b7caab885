package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EventType names a transport notification.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventDisconnected      EventType = "disconnected"
	EventTrackSubscribed   EventType = "track_subscribed"
	EventTrackUnsubscribed EventType = "track_unsubscribed"
)

type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

// RemoteTrack is a subscribed remote media track. Remote may be nil for
// transports that do not expose the underlying WebRTC track.
type RemoteTrack struct {
	SID         string
	Kind        TrackKind
	Participant string
	Remote      *webrtc.TrackRemote
}

func (t *RemoteTrack) IsVideo() bool {
	return t != nil && t.Kind == TrackKindVideo
}

// Event is one transport notification. Track is set for the track events;
// Err may be set on EventDisconnected.
type Event struct {
	Type  EventType
	Track *RemoteTrack
	Err   error
}

type Options struct {
	AdaptiveStream     bool
	SelectiveSubscribe bool
}

// Dialer joins a media room with a URL and access token.
type Dialer interface {
	Connect(ctx context.Context, url, token string, opts Options) (Room, error)
}

// Room is a joined media room. Events is closed after Disconnect returns.
type Room interface {
	Events() <-chan Event
	Disconnect(ctx context.Context) error
}

// TransportError reports a failed connect or disconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("media transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func kindOf(t *webrtc.TrackRemote) TrackKind {
	if t != nil && t.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackKindVideo
	}
	return TrackKindAudio
}
