package streamapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ent0n29/avatarlink/internal/observability"
)

const (
	opCreateToken = "streaming.create_token"
	opNewSession  = "streaming.new"
	opStart       = "streaming.start"
	opTask        = "streaming.task"
	opStop        = "streaming.stop"

	pathCreateToken = "/v1/streaming.create_token"
	pathNewSession  = "/v1/streaming.new"
	pathStart       = "/v1/streaming.start"
	pathTask        = "/v1/streaming.task"
	pathStop        = "/v1/streaming.stop"
	pathChat        = "/v1/ws/streaming.chat"

	maxResponseBody = 1 << 20
)

// ClientConfig controls Client construction.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	HTTPTimeout time.Duration
	HTTPClient  *http.Client
	Session     SessionDefaults
}

// Client performs the privileged streaming API calls: token, new session,
// start, task and stop. It holds no per-session state.
type Client struct {
	baseURL  *url.URL
	apiKey   string
	defaults SessionDefaults
	http     *http.Client
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewClient(cfg ClientConfig, logger *zap.Logger, metrics *observability.Metrics) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("streaming API base URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse streaming API base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported streaming API scheme %q", u.Scheme)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:  u,
		apiKey:   cfg.APIKey,
		defaults: cfg.Session,
		http:     hc,
		logger:   logger.Named("streamapi"),
		metrics:  metrics,
	}, nil
}

// CreateToken obtains a short-lived session token using the static API key.
func (c *Client) CreateToken(ctx context.Context) (token string, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveStep(observability.StepToken, time.Since(start), err) }()

	if c.apiKey == "" {
		return "", fmt.Errorf("%s: %w", opCreateToken, ErrMissingAPIKey)
	}
	status, body, err := c.post(ctx, opCreateToken, pathCreateToken, apiKeyAuth(c.apiKey), nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &InvalidResponseError{Op: opCreateToken, Status: status, Detail: snippet(body)}
	}
	res, err := DecodeToken(body)
	if err != nil {
		return "", err
	}
	c.logger.Debug("session token created", zap.String("shape", string(res.Shape)))
	return res.Value.Token, nil
}

// NewSession creates a streaming session with the fixed session defaults.
func (c *Client) NewSession(ctx context.Context, token string) (info SessionInfo, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveStep(observability.StepNewSession, time.Since(start), err) }()

	if token == "" {
		return SessionInfo{}, fmt.Errorf("%s: %w", opNewSession, ErrMissingToken)
	}
	req := newSessionRequest{
		Quality:       c.defaults.Quality,
		AvatarName:    c.defaults.AvatarName,
		Version:       c.defaults.Version,
		VideoEncoding: c.defaults.VideoEncoding,
		STTSettings: sttSettings{
			Provider:   c.defaults.STTProvider,
			Confidence: c.defaults.STTConfidence,
		},
	}
	status, body, err := c.post(ctx, opNewSession, pathNewSession, bearerAuth(token), req)
	if err != nil {
		return SessionInfo{}, err
	}
	if status != http.StatusOK {
		return SessionInfo{}, &InvalidResponseError{Op: opNewSession, Status: status, Detail: snippet(body)}
	}
	res, err := DecodeSession(body)
	if err != nil {
		return SessionInfo{}, err
	}
	c.logger.Debug("streaming session created",
		zap.String("session_id", res.Value.SessionID),
		zap.String("shape", string(res.Shape)),
	)
	return res.Value, nil
}

// StartSession starts streaming for sessionID. The session token, not the
// access token, is the bearer for this and all later calls.
func (c *Client) StartSession(ctx context.Context, token, sessionID string) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveStep(observability.StepStart, time.Since(start), err) }()

	if err := checkSessionArgs(opStart, token, sessionID); err != nil {
		return err
	}
	status, body, err := c.post(ctx, opStart, pathStart, bearerAuth(token), sessionRequest{SessionID: sessionID})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &InvalidResponseError{Op: opStart, Status: status, Detail: snippet(body)}
	}
	return nil
}

// SendTask asks the avatar to speak task.Text.
func (c *Client) SendTask(ctx context.Context, token string, task Task) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveStep(observability.StepTask, time.Since(start), err) }()

	if err := checkSessionArgs(opTask, token, task.SessionID); err != nil {
		return err
	}
	if task.TaskType == "" {
		task.TaskType = TaskTypeTalk
	}
	status, _, err := c.post(ctx, opTask, pathTask, bearerAuth(token), task)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &NetworkError{Op: opTask, URL: c.endpoint(pathTask), Status: status}
	}
	return nil
}

// StopSession ends the remote session. Callers treat failures as best-effort.
func (c *Client) StopSession(ctx context.Context, token, sessionID string) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveStep(observability.StepStop, time.Since(start), err) }()

	if err := checkSessionArgs(opStop, token, sessionID); err != nil {
		return err
	}
	status, _, err := c.post(ctx, opStop, pathStop, bearerAuth(token), sessionRequest{SessionID: sessionID})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &NetworkError{Op: opStop, URL: c.endpoint(pathStop), Status: status}
	}
	return nil
}

// ChatURL builds the event stream URL for a started session.
func (c *Client) ChatURL(sessionID, token string, opts ChatOptions) (string, error) {
	if err := checkSessionArgs("streaming.chat", token, sessionID); err != nil {
		return "", err
	}
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + pathChat

	params := [][2]string{
		{"session_id", sessionID},
		{"session_token", token},
		{"silence_response", boolParam(opts.SilenceResponse)},
		{"opening_text", opts.OpeningText},
		{"stt_language", opts.STTLanguage},
		{"enable_stt", boolParam(opts.EnableSTT)},
		{"enable_voice_activity", boolParam(opts.EnableVoiceActivity)},
	}
	var q strings.Builder
	for i, p := range params {
		if i > 0 {
			q.WriteByte('&')
		}
		q.WriteString(url.QueryEscape(p[0]))
		q.WriteByte('=')
		q.WriteString(url.QueryEscape(p[1]))
	}
	u.RawQuery = q.String()
	return u.String(), nil
}

type authFunc func(h http.Header)

func apiKeyAuth(key string) authFunc {
	return func(h http.Header) { h.Set("X-Api-Key", key) }
}

func bearerAuth(token string) authFunc {
	return func(h http.Header) { h.Set("Authorization", "Bearer "+token) }
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) post(ctx context.Context, op, path string, auth authFunc, payload any) (int, []byte, error) {
	endpoint := c.endpoint(path)

	var reqBody io.Reader = http.NoBody
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	auth(httpReq.Header)

	res, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, &NetworkError{Op: op, URL: endpoint, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return res.StatusCode, nil, &NetworkError{Op: op, URL: endpoint, Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Debug("streaming api call",
		zap.String("op", op),
		zap.Int("status", res.StatusCode),
		zap.Int("bytes", len(body)),
	)
	return res.StatusCode, body, nil
}

func checkSessionArgs(op, token, sessionID string) error {
	if token == "" {
		return fmt.Errorf("%s: %w", op, ErrMissingToken)
	}
	if sessionID == "" {
		return fmt.Errorf("%s: %w", op, ErrMissingSession)
	}
	return nil
}

func boolParam(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

const maxSnippet = 256

// snippet trims body for error details, cutting on a rune boundary.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxSnippet {
		return s
	}
	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
