package media

import (
	"context"
	"errors"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const eventBuffer = 64

// LiveKitDialer joins LiveKit rooms.
type LiveKitDialer struct {
	logger *zap.Logger
}

var _ Dialer = (*LiveKitDialer)(nil)

func NewLiveKitDialer(logger *zap.Logger) *LiveKitDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveKitDialer{logger: logger.Named("media")}
}

// Connect joins the room. The SDK connect call is not cancellable; if ctx ends
// first the room is disconnected as soon as the join completes.
func (d *LiveKitDialer) Connect(ctx context.Context, url, token string, opts Options) (Room, error) {
	if url == "" || token == "" {
		return nil, &TransportError{Op: "connect", Err: errors.New("room url and access token are required")}
	}

	r := &liveKitRoom{
		events: make(chan Event, eventBuffer),
		logger: d.logger,
		opts:   opts,
	}
	if grant, err := InspectAccessToken(token); err == nil {
		d.logger.Debug("joining media room",
			zap.String("room", grant.Room),
			zap.String("identity", grant.Identity),
			zap.Time("expires_at", grant.ExpiresAt),
			zap.Bool("adaptive_stream", opts.AdaptiveStream),
			zap.Bool("selective_subscribe", opts.SelectiveSubscribe),
		)
	}

	cb := lksdk.NewRoomCallback()
	cb.ParticipantCallback.OnTrackPublished = r.onTrackPublished
	cb.ParticipantCallback.OnTrackSubscribed = r.onTrackSubscribed
	cb.ParticipantCallback.OnTrackUnsubscribed = r.onTrackUnsubscribed
	cb.OnDisconnected = func() { r.emit(Event{Type: EventDisconnected}) }

	type result struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(!opts.SelectiveSubscribe))
		done <- result{room: room, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &TransportError{Op: "connect", Err: res.err}
		}
		r.setRoom(res.room)
	case <-ctx.Done():
		go func() {
			if res := <-done; res.room != nil {
				res.room.Disconnect()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err()}
	}

	if opts.SelectiveSubscribe {
		r.subscribeExisting()
	}
	r.emit(Event{Type: EventConnected})
	return r, nil
}

// roomConn is the part of *lksdk.Room the adapter uses.
type roomConn interface {
	Disconnect()
	GetRemoteParticipants() []*lksdk.RemoteParticipant
}

type liveKitRoom struct {
	logger *zap.Logger
	opts   Options

	mu     sync.Mutex
	room   roomConn
	events chan Event
	closed bool

	disconnectOnce sync.Once
	disconnectErr  error
}

func (r *liveKitRoom) Events() <-chan Event { return r.events }

func (r *liveKitRoom) setRoom(room roomConn) {
	r.mu.Lock()
	r.room = room
	r.mu.Unlock()
}

func (r *liveKitRoom) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("media event dropped, consumer is behind", zap.String("event", string(ev.Type)))
	}
}

func (r *liveKitRoom) onTrackPublished(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if !r.opts.SelectiveSubscribe {
		return
	}
	r.subscribe(pub, rp.Identity())
}

func (r *liveKitRoom) subscribe(pub *lksdk.RemoteTrackPublication, identity string) {
	if pub == nil || pub.IsSubscribed() {
		return
	}
	switch pub.Kind() {
	case lksdk.TrackKindVideo, lksdk.TrackKindAudio:
	default:
		return
	}
	if err := pub.SetSubscribed(true); err != nil {
		r.logger.Warn("media track subscribe failed",
			zap.String("track_sid", pub.SID()),
			zap.String("participant", identity),
			zap.Error(err),
		)
	}
}

func (r *liveKitRoom) subscribeExisting() {
	r.mu.Lock()
	room := r.room
	r.mu.Unlock()
	if room == nil {
		return
	}
	for _, rp := range room.GetRemoteParticipants() {
		for _, tp := range rp.TrackPublications() {
			if pub, ok := tp.(*lksdk.RemoteTrackPublication); ok {
				r.subscribe(pub, rp.Identity())
			}
		}
	}
}

func (r *liveKitRoom) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	r.emit(Event{Type: EventTrackSubscribed, Track: remoteTrack(track, pub, rp)})
}

func (r *liveKitRoom) onTrackUnsubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	r.emit(Event{Type: EventTrackUnsubscribed, Track: remoteTrack(track, pub, rp)})
}

// trackFacts is what remoteTrack reads off the SDK objects.
type trackFacts struct {
	remote   *webrtc.TrackRemote
	trackID  string
	kind     TrackKind
	pubSID   string
	pubVideo bool
	identity string
}

func remoteTrack(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) *RemoteTrack {
	f := trackFacts{remote: track}
	if track != nil {
		f.trackID = track.ID()
		f.kind = kindOf(track)
	}
	if pub != nil {
		f.pubSID = pub.SID()
		f.pubVideo = pub.Kind() == lksdk.TrackKindVideo
	}
	if rp != nil {
		f.identity = rp.Identity()
	}
	return f.track()
}

// track maps the facts to a RemoteTrack. Without a WebRTC track the
// publication decides the kind; the publication SID wins over the track ID.
func (f trackFacts) track() *RemoteTrack {
	out := &RemoteTrack{Remote: f.remote, Kind: f.kind, SID: f.pubSID, Participant: f.identity}
	if out.Kind == "" {
		out.Kind = TrackKindAudio
		if f.remote == nil && f.pubVideo {
			out.Kind = TrackKindVideo
		}
	}
	if out.SID == "" {
		out.SID = f.trackID
	}
	return out
}

// Disconnect leaves the room and closes Events. It waits for the SDK until
// ctx ends; later calls return the first result.
func (r *liveKitRoom) Disconnect(ctx context.Context) error {
	r.disconnectOnce.Do(func() {
		r.mu.Lock()
		room := r.room
		r.mu.Unlock()

		if room != nil {
			done := make(chan struct{})
			go func() {
				room.Disconnect()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				r.disconnectErr = &TransportError{Op: "disconnect", Err: ctx.Err()}
			}
		}

		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()
	})
	return r.disconnectErr
}
