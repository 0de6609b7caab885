package avatar

import (
	"context"

	"go.uber.org/zap"

	"github.com/ent0n29/avatarlink/internal/media"
	"github.com/ent0n29/avatarlink/internal/protocol"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

// receiveLoop drives stream until it ends. Afterwards the stream handle is
// dropped so dispatch falls back to HTTP; there is no reconnection.
func (c *Coordinator) receiveLoop(ctx context.Context, gen uint64, stream Stream) {
	err := stream.Run(ctx, func(ev protocol.Event) {
		c.handleEvent(gen, ev)
	})
	if err != nil {
		c.logger.Warn("event stream terminated", zap.Error(err))
	} else {
		c.logger.Debug("event stream closed")
	}
	_ = stream.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.stream != stream {
		return
	}
	c.stream = nil
	c.applyLocked(func(s *State) { s.StreamConnected = false })
}

// handleEvent folds one inbound event into the state. Unknown types change
// nothing.
func (c *Coordinator) handleEvent(gen uint64, ev protocol.Event) {
	var utterance string

	switch ev.Type {
	case protocol.EventAvatarStartTalking:
		c.updateIf(gen, func(s *State) { s.IsAvatarTalking = true })
	case protocol.EventAvatarStopTalking:
		c.updateIf(gen, func(s *State) {
			s.IsAvatarTalking = false
			s.SpeakingIntent = false
		})
	case protocol.EventStreamReady:
		c.updateIf(gen, func(s *State) { s.Status = Connected() })
	case protocol.EventUserStart:
		c.updateIf(gen, func(s *State) { s.IsUserTalking = true })
	case protocol.EventUserStop:
		c.updateIf(gen, func(s *State) { s.IsUserTalking = false })
	case protocol.EventUserMessage, protocol.EventSTTResult:
		if text := ev.Utterance(); text != "" {
			if c.updateIf(gen, func(s *State) {
				s.LastUserUtterance = text
				s.PartialTranscript = ""
			}) {
				utterance = text
			}
		} else if partial := ev.Partial(); partial != "" {
			c.updateIf(gen, func(s *State) { s.PartialTranscript = partial })
		}
	case protocol.EventError:
		msg := ev.ErrorMessage()
		c.updateIf(gen, func(s *State) { s.Status = Failed(msg) })
		c.logger.Warn("event stream reported error", zap.String("message", msg))
	default:
		c.logger.Debug("ignoring unknown event", zap.String("type", string(ev.Type)))
	}

	if utterance != "" {
		c.record(context.Background(), c.Credentials().SessionID, transcript.KindUserUtterance, utterance)
	}
}

// mediaPump consumes room events until the room's event channel closes.
func (c *Coordinator) mediaPump(gen uint64, room media.Room) {
	for ev := range room.Events() {
		c.metrics.ObserveMediaEvent(string(ev.Type))
		c.handleMediaEvent(gen, ev)
	}
}

func (c *Coordinator) handleMediaEvent(gen uint64, ev media.Event) {
	switch ev.Type {
	case media.EventConnected:
		c.updateIf(gen, func(s *State) { s.MediaConnected = true })
	case media.EventDisconnected:
		c.updateIf(gen, func(s *State) {
			c.video.Store(nil)
			s.MediaConnected = false
			s.HasVideoTrack = false
		})
		if ev.Err != nil {
			c.logger.Warn("media transport disconnected", zap.Error(ev.Err))
		}
	case media.EventTrackSubscribed:
		if !ev.Track.IsVideo() {
			if ev.Track != nil {
				c.logger.Debug("audio track subscribed", zap.String("track_sid", ev.Track.SID))
			}
			return
		}
		track := ev.Track
		c.updateIf(gen, func(s *State) {
			c.video.Store(track)
			s.HasVideoTrack = true
		})
	case media.EventTrackUnsubscribed:
		if !ev.Track.IsVideo() {
			return
		}
		sid := ev.Track.SID
		c.updateIf(gen, func(s *State) {
			cur := c.video.Load()
			if cur == nil || cur.SID != sid {
				return
			}
			c.video.Store(nil)
			s.HasVideoTrack = false
		})
	}
}
