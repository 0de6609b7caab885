package avatar

import (
	"context"

	"github.com/ent0n29/avatarlink/internal/eventstream"
	"github.com/ent0n29/avatarlink/internal/protocol"
	"github.com/ent0n29/avatarlink/internal/streamapi"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

// API is the streaming HTTP surface. *streamapi.Client implements it.
type API interface {
	CreateToken(ctx context.Context) (string, error)
	NewSession(ctx context.Context, token string) (streamapi.SessionInfo, error)
	StartSession(ctx context.Context, token, sessionID string) error
	SendTask(ctx context.Context, token string, task streamapi.Task) error
	StopSession(ctx context.Context, token, sessionID string) error
	ChatURL(sessionID, token string, opts streamapi.ChatOptions) (string, error)
}

var _ API = (*streamapi.Client)(nil)

// Stream is an open event stream. *eventstream.Conn implements it.
type Stream interface {
	Run(ctx context.Context, handle func(protocol.Event)) error
	SendChat(text string) error
	Close() error
}

var _ Stream = (*eventstream.Conn)(nil)

type StreamDialer interface {
	DialStream(ctx context.Context, url string) (Stream, error)
}

type StreamDialerFunc func(ctx context.Context, url string) (Stream, error)

func (f StreamDialerFunc) DialStream(ctx context.Context, url string) (Stream, error) {
	return f(ctx, url)
}

// EventStreams adapts an eventstream.Dialer.
func EventStreams(d *eventstream.Dialer) StreamDialer {
	return StreamDialerFunc(func(ctx context.Context, url string) (Stream, error) {
		conn, err := d.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Recorder receives transcript lines. transcript.Store implements it.
type Recorder interface {
	Append(ctx context.Context, record transcript.Record) error
}
