package avatar

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/avatarlink/internal/streamapi"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

const (
	pathStream     = "stream"
	pathHTTPTalk   = "http_talk"
	pathHTTPRepeat = "http_repeat"
)

type dispatchTarget struct {
	gen       uint64
	token     string
	sessionID string
	stream    Stream
}

// begin checks the session is active and applies the optimistic update.
func (c *Coordinator) begin(text string) (dispatchTarget, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.IsSessionActive {
		return dispatchTarget{}, false
	}
	c.applyLocked(func(s *State) {
		s.LastSentMessage = text
		s.SpeakingIntent = true
	})
	return dispatchTarget{
		gen:       c.gen,
		token:     c.token,
		sessionID: c.creds.SessionID,
		stream:    c.stream,
	}, true
}

// SendMessage delivers text over the event stream, falling back to an HTTP
// talk task when there is no stream or the stream send fails. Text is sent
// as given; blank text is rejected.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	target, ok := c.begin(text)
	if !ok {
		c.logger.Info("message dropped, no active session")
		return ErrNoActiveSession
	}

	if target.stream != nil {
		err := target.stream.SendChat(text)
		if err == nil {
			c.metrics.ObserveDispatch(pathStream, "ok")
			c.record(ctx, target.sessionID, transcript.KindTalk, text)
			return nil
		}
		c.metrics.ObserveDispatch(pathStream, "fallback")
		c.logger.Warn("stream send failed, falling back to http", zap.Error(err))
	}
	if err := c.sendTask(ctx, target, text, streamapi.TaskTypeTalk, pathHTTPTalk); err != nil {
		return err
	}
	c.record(ctx, target.sessionID, transcript.KindTalk, text)
	return nil
}

// RepeatText makes the avatar speak text verbatim. It always uses HTTP.
func (c *Coordinator) RepeatText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	target, ok := c.begin(text)
	if !ok {
		c.logger.Info("repeat dropped, no active session")
		return ErrNoActiveSession
	}
	if err := c.sendTask(ctx, target, text, streamapi.TaskTypeRepeat, pathHTTPRepeat); err != nil {
		return err
	}
	c.record(ctx, target.sessionID, transcript.KindRepeat, text)
	return nil
}

func (c *Coordinator) sendTask(ctx context.Context, target dispatchTarget, text string, taskType streamapi.TaskType, path string) error {
	err := c.api.SendTask(ctx, target.token, streamapi.Task{
		SessionID: target.sessionID,
		Text:      text,
		TaskType:  taskType,
	})
	if err != nil {
		c.metrics.ObserveDispatch(path, "error")
		c.updateIf(target.gen, func(s *State) {
			s.SpeakingIntent = false
			s.Status = Failed("Failed to send message: " + err.Error())
		})
		c.logger.Warn("task send failed", zap.String("task_type", string(taskType)), zap.Error(err))
		return err
	}
	c.metrics.ObserveDispatch(path, "ok")
	return nil
}

// record appends a transcript line. Dispatched text is recorded only after
// the send succeeded.
func (c *Coordinator) record(ctx context.Context, avatarSessionID string, kind transcript.Kind, text string) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	err := c.recorder.Append(ctx, transcript.Record{
		SessionID:       c.settings.ID,
		AvatarSessionID: avatarSessionID,
		Kind:            kind,
		Text:            text,
	})
	if err != nil {
		c.logger.Warn("transcript append failed", zap.Error(err))
	}
}
