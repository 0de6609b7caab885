package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/avatarlink/internal/config"
	"github.com/ent0n29/avatarlink/internal/media"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/streamapi"
)

var (
	ErrSessionBusy     = errors.New("avatar session is already connecting or active")
	ErrNoActiveSession = errors.New("no active avatar session")
	ErrEmptyText       = errors.New("text is empty")
	ErrSessionEnded    = errors.New("avatar session was ended while starting")
)

const recordTimeout = 2 * time.Second

// Deps are the collaborators of a Coordinator. Recorder, Logger and Metrics
// are optional.
type Deps struct {
	API      API
	Streams  StreamDialer
	Media    media.Dialer
	Recorder Recorder
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// Settings fix the behaviour of one coordinator.
type Settings struct {
	// ID names the coordinator in logs and transcript records.
	ID     string
	APIKey string
	Chat   streamapi.ChatOptions
	Media  media.Options
}

// Coordinator owns the lifecycle of one remote avatar conversation: the
// handshake, the event stream, the media room and outbound dispatch.
// All observable mutations go through update, which publishes snapshots to
// subscribers in mutation order.
type Coordinator struct {
	api      API
	streams  StreamDialer
	media    media.Dialer
	recorder Recorder
	logger   *zap.Logger
	metrics  *observability.Metrics
	settings Settings

	mu     sync.Mutex
	state  State
	gen    uint64
	token  string
	creds  streamapi.SessionInfo
	stream Stream
	room   media.Room
	cancel context.CancelFunc
	subs   map[int]chan State
	nextID int

	video atomic.Pointer[media.RemoteTrack]
}

func NewCoordinator(deps Deps, settings Settings) (*Coordinator, error) {
	if deps.API == nil {
		return nil, errors.New("avatar: API is required")
	}
	if deps.Streams == nil {
		return nil, errors.New("avatar: stream dialer is required")
	}
	if deps.Media == nil {
		return nil, errors.New("avatar: media dialer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.ID != "" {
		logger = logger.With(zap.String("session_id", settings.ID))
	}
	return &Coordinator{
		api:      deps.API,
		streams:  deps.Streams,
		media:    deps.Media,
		recorder: deps.Recorder,
		logger:   logger.Named("avatar"),
		metrics:  deps.Metrics,
		settings: settings,
		state:    initialState(),
		subs:     make(map[int]chan State),
	}, nil
}

func (c *Coordinator) ID() string { return c.settings.ID }

// State returns the current snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionToken returns the current session token, empty when none is held.
func (c *Coordinator) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Credentials returns the current session credentials, zero when none are held.
func (c *Coordinator) Credentials() streamapi.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// CurrentVideoTrack returns the subscribed remote video track or nil. It may
// be called from any goroutine.
func (c *Coordinator) CurrentVideoTrack() *media.RemoteTrack {
	return c.video.Load()
}

// Subscribe returns a channel of state snapshots starting with the current
// one. A slow reader only ever misses intermediate snapshots, never the
// latest. The returned func unsubscribes and closes the channel.
func (c *Coordinator) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.state
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// update applies fn to the state and publishes the result if anything changed.
func (c *Coordinator) update(fn func(s *State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(fn)
}

// updateIf is update scoped to session generation gen. Mutations from a
// superseded session are discarded.
func (c *Coordinator) updateIf(gen uint64, fn func(s *State)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.applyLocked(fn)
	return true
}

func (c *Coordinator) applyLocked(fn func(s *State)) {
	before := c.state
	fn(&c.state)
	c.state.UpdatedAt = before.UpdatedAt
	if c.state == before {
		return
	}
	c.state.UpdatedAt = time.Now().UTC()
	c.publishLocked()
}

func (c *Coordinator) publishLocked() {
	snap := c.state
	for _, ch := range c.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// StartSession runs the handshake and connects the event stream and media
// room. It returns nil when the session is active, possibly degraded, and an
// error when it ended in StatusError.
func (c *Coordinator) StartSession(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase == PhaseConnecting || (c.state.Phase == PhaseActive && !c.state.Status.IsError()) {
		c.mu.Unlock()
		return ErrSessionBusy
	}
	// An active session in StatusError is replaced by a fresh one.
	prev := c.detachLocked()
	c.gen++
	gen := c.gen
	if err := config.ValidateAPIKey(c.settings.APIKey); err != nil {
		c.applyLocked(func(s *State) {
			*s = State{Phase: PhaseError, Status: Failed(configMessage(err))}
		})
		c.mu.Unlock()
		c.release(ctx, prev)
		c.metrics.ObserveSessionEvent("start_failed")
		c.logger.Warn("avatar session not started", zap.Error(err))
		return err
	}
	c.applyLocked(func(s *State) {
		*s = State{Phase: PhaseConnecting, Status: Connecting()}
	})
	c.mu.Unlock()
	if prev.live() {
		c.logger.Info("restarting avatar session after error", zap.String("avatar_session_id", prev.creds.SessionID))
		c.release(ctx, prev)
	}

	started := time.Now()
	info, token, err := c.handshake(ctx, gen)
	if err != nil {
		return err
	}

	var (
		g         errgroup.Group
		stream    Stream
		room      media.Room
		streamErr error
		mediaErr  error
	)
	g.Go(func() error {
		stream, streamErr = c.connectStream(ctx, info, token)
		return nil
	})
	g.Go(func() error {
		room, mediaErr = c.media.Connect(ctx, info.URL, info.AccessToken, c.settings.Media)
		if mediaErr != nil {
			room = nil
		}
		return nil
	})
	_ = g.Wait()

	if streamErr != nil && mediaErr != nil {
		c.stopRemote(ctx, token, info.SessionID)
		err := errors.Join(streamErr, mediaErr)
		c.updateIf(gen, func(s *State) {
			*s = State{Phase: PhaseError, Status: Failed("Failed to connect to avatar: " + err.Error())}
		})
		c.clearCredentials(gen)
		c.metrics.ObserveSessionEvent("start_failed")
		c.logger.Warn("avatar connect failed", zap.Error(err))
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		c.release(ctx, sessionHandles{stream: stream, room: room})
		return ErrSessionEnded
	}
	c.stream = stream
	c.room = room
	c.cancel = cancel
	c.applyLocked(func(s *State) {
		s.Phase = PhaseActive
		s.Status = Connected()
		s.IsSessionActive = true
		s.SessionID = info.SessionID
		s.StreamConnected = stream != nil
		s.MediaConnected = room != nil
		switch {
		case streamErr != nil:
			s.Degraded = true
			s.DegradedReason = "event stream unavailable: " + streamErr.Error()
		case mediaErr != nil:
			s.Degraded = true
			s.DegradedReason = "media transport unavailable: " + mediaErr.Error()
		}
	})
	c.mu.Unlock()

	if stream != nil {
		go c.receiveLoop(loopCtx, gen, stream)
	}
	if room != nil {
		go c.mediaPump(gen, room)
	}

	c.metrics.ObserveSessionEvent("started")
	if streamErr != nil || mediaErr != nil {
		c.metrics.ObserveSessionEvent("degraded")
		c.logger.Warn("avatar session degraded",
			zap.String("avatar_session_id", info.SessionID),
			zap.NamedError("stream_error", streamErr),
			zap.NamedError("media_error", mediaErr),
		)
	}
	c.logger.Info("avatar session active",
		zap.String("avatar_session_id", info.SessionID),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// handshake runs token, new session and start strictly in order.
func (c *Coordinator) handshake(ctx context.Context, gen uint64) (streamapi.SessionInfo, string, error) {
	token, err := c.api.CreateToken(ctx)
	if err != nil {
		return streamapi.SessionInfo{}, "", c.failHandshake(gen, "Failed to create session token", err)
	}
	if !c.holdToken(gen, token) {
		return streamapi.SessionInfo{}, "", ErrSessionEnded
	}

	info, err := c.api.NewSession(ctx, token)
	if err != nil {
		return streamapi.SessionInfo{}, "", c.failHandshake(gen, "Failed to create streaming session", err)
	}
	if !c.holdCredentials(gen, info) {
		c.stopRemote(context.WithoutCancel(ctx), token, info.SessionID)
		return streamapi.SessionInfo{}, "", ErrSessionEnded
	}
	if grant, err := media.InspectAccessToken(info.AccessToken); err == nil {
		c.logger.Debug("media grant",
			zap.String("room", grant.Room),
			zap.Time("expires_at", grant.ExpiresAt),
		)
	}

	if err := c.api.StartSession(ctx, token, info.SessionID); err != nil {
		err = c.failHandshake(gen, "Failed to start streaming session", err)
		c.stopRemote(context.WithoutCancel(ctx), token, info.SessionID)
		return streamapi.SessionInfo{}, "", err
	}
	if c.currentGen() != gen {
		c.stopRemote(ctx, token, info.SessionID)
		return streamapi.SessionInfo{}, "", ErrSessionEnded
	}
	return info, token, nil
}

func configMessage(err error) string {
	var ve *config.ValidationError
	if errors.As(err, &ve) {
		return fmt.Sprintf("Configuration error: %s: %v", ve.Field, ve.Err)
	}
	return "Configuration error: " + err.Error()
}

func (c *Coordinator) currentGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Coordinator) holdToken(gen uint64, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.token = token
	return true
}

func (c *Coordinator) holdCredentials(gen uint64, info streamapi.SessionInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.creds = info
	c.applyLocked(func(s *State) { s.SessionID = info.SessionID })
	return true
}

func (c *Coordinator) clearCredentials(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.token = ""
	c.creds = streamapi.SessionInfo{}
}

func (c *Coordinator) failHandshake(gen uint64, what string, err error) error {
	c.updateIf(gen, func(s *State) {
		*s = State{Phase: PhaseError, Status: Failed(what + ": " + err.Error())}
	})
	c.clearCredentials(gen)
	c.metrics.ObserveSessionEvent("start_failed")

	fields := []zap.Field{zap.String("step", what), zap.Error(err)}
	var ire *streamapi.InvalidResponseError
	if errors.As(err, &ire) {
		fields = append(fields, zap.Int("status", ire.Status), zap.Bool("retryable", ire.Retryable()))
	}
	c.logger.Warn("avatar handshake failed", fields...)
	return err
}

func (c *Coordinator) connectStream(ctx context.Context, info streamapi.SessionInfo, token string) (Stream, error) {
	url, err := c.api.ChatURL(info.SessionID, token, c.settings.Chat)
	if err != nil {
		return nil, fmt.Errorf("build chat url: %w", err)
	}
	stream, err := c.streams.DialStream(ctx, url)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *Coordinator) stopRemote(ctx context.Context, token, sessionID string) {
	if token == "" || sessionID == "" {
		return
	}
	if err := c.api.StopSession(ctx, token, sessionID); err != nil {
		c.logger.Warn("avatar stop failed", zap.String("avatar_session_id", sessionID), zap.Error(err))
	}
}

// sessionHandles are the remote and local resources of one session.
type sessionHandles struct {
	token  string
	creds  streamapi.SessionInfo
	stream Stream
	room   media.Room
	cancel context.CancelFunc
}

func (h sessionHandles) live() bool {
	return h.token != "" || h.stream != nil || h.room != nil || h.cancel != nil
}

// detachLocked takes ownership of the current session's resources and clears
// them from the coordinator. The caller must hold c.mu.
func (c *Coordinator) detachLocked() sessionHandles {
	h := sessionHandles{
		token:  c.token,
		creds:  c.creds,
		stream: c.stream,
		room:   c.room,
		cancel: c.cancel,
	}
	c.token = ""
	c.creds = streamapi.SessionInfo{}
	c.stream = nil
	c.room = nil
	c.cancel = nil
	c.video.Store(nil)
	return h
}

// release stops the remote session and tears down the stream and room of h.
// Failures are logged only.
func (c *Coordinator) release(ctx context.Context, h sessionHandles) {
	c.stopRemote(ctx, h.token, h.creds.SessionID)
	if h.cancel != nil {
		h.cancel()
	}
	if h.stream != nil {
		if err := h.stream.Close(); err != nil {
			c.logger.Debug("event stream close", zap.Error(err))
		}
	}
	if h.room != nil {
		if err := h.room.Disconnect(ctx); err != nil {
			c.logger.Warn("media disconnect failed", zap.Error(err))
		}
	}
}

// EndSession stops the remote session and tears down the stream and room.
// Local cleanup always completes; failures are logged only.
func (c *Coordinator) EndSession(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	h := c.detachLocked()
	wasActive := c.state.IsSessionActive
	c.mu.Unlock()

	c.release(ctx, h)

	c.update(func(s *State) {
		*s = State{Phase: PhaseEnded, Status: Disconnected()}
	})
	if wasActive {
		c.metrics.ObserveSessionEvent("ended")
	}
	c.logger.Info("avatar session ended", zap.String("avatar_session_id", h.creds.SessionID))
}
