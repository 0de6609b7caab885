package eventstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/policy"
	"github.com/ent0n29/avatarlink/internal/protocol"
)

const (
	defaultWriteTimeout = 5 * time.Second
	closeWriteTimeout   = time.Second
)

var ErrClosed = errors.New("event stream closed")

// StreamError reports a failed connect, send or receive on the event stream.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("event stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Dialer opens chat event streams. The zero handshake timeout means the
// websocket library default.
type Dialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewDialer(logger *zap.Logger, metrics *observability.Metrics) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		WriteTimeout: defaultWriteTimeout,
		logger:       logger.Named("eventstream"),
		metrics:      metrics,
	}
}

// Dial connects to rawURL. It does not start receiving; call Run for that.
func (d *Dialer) Dial(ctx context.Context, rawURL string) (*Conn, error) {
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if wd.HandshakeTimeout <= 0 {
		wd.HandshakeTimeout = websocket.DefaultDialer.HandshakeTimeout
	}
	ws, resp, err := wd.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%s: %w", resp.Status, err)
		}
		return nil, &StreamError{Op: "dial", Err: err}
	}
	d.logger.Debug("event stream connected", zap.String("url", policy.RedactURLSecrets(rawURL)))

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		logger:       d.logger,
		metrics:      d.metrics,
	}, nil
}

// Conn is one open event stream. SendChat and Close are safe for concurrent
// use; Run must be called at most once.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// Run receives frames until the stream fails or is closed, handing each
// decoded event to handle on the calling goroutine. Undecodable frames are
// dropped. It returns nil after a local Close, a cancelled ctx or a normal
// close from the server, and a *StreamError otherwise. It never reconnects.
func (c *Conn) Run(ctx context.Context, handle func(protocol.Event)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return &StreamError{Op: "read", Err: err}
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if msgType == websocket.BinaryMessage && !utf8.Valid(data) {
			c.drop("binary frame is not valid utf-8", nil)
			continue
		}

		ev, err := protocol.ParseEvent(data)
		if err != nil {
			c.drop("undecodable frame", err)
			continue
		}
		label := string(ev.Type)
		if !ev.Known() {
			label = "unknown"
		}
		c.metrics.ObserveFrame("inbound", label)
		if handle != nil {
			handle(ev)
		}
	}
}

func (c *Conn) drop(reason string, err error) {
	c.metrics.ObserveFrame("inbound", "dropped")
	c.logger.Debug("dropping event frame", zap.String("reason", reason), zap.Error(err))
}

// SendChat writes a single chat frame carrying text.
func (c *Conn) SendChat(text string) error {
	if c.closed.Load() {
		return &StreamError{Op: "send", Err: ErrClosed}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteJSON(protocol.NewChatFrame(text)); err != nil {
		return &StreamError{Op: "send", Err: err}
	}
	c.metrics.ObserveFrame("outbound", protocol.TypeChat)
	return nil
}

// Close sends a close frame and closes the socket. Later calls return the
// first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		if err := c.ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = &StreamError{Op: "close", Err: err}
		}
	})
	return c.closeErr
}
