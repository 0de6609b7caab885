package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/avatarlink/internal/avatar"
	"github.com/ent0n29/avatarlink/internal/config"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/session"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

const (
	stateWriteTimeout = 10 * time.Second
	stateReadTimeout  = 120 * time.Second
	pingInterval      = 30 * time.Second
)

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	transcripts transcript.Store
	storeMode   string
	metrics     *observability.Metrics
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Transcripts transcript.Store
	StoreMode   string
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

func New(cfg config.Config, sessions *session.Manager, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	storeMode := opts.StoreMode
	if storeMode == "" {
		storeMode = "in-memory"
	}
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		transcripts: opts.Transcripts,
		storeMode:   storeMode,
		metrics:     opts.Metrics,
		logger:      logger.Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/handshake", s.handlePerfHandshake)
	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)
	r.Get("/v1/ui/settings", s.handleUISettings)

	r.Route("/v1/avatar/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/repeat", s.handleRepeat)
			r.Post("/end", s.handleEndSession)
			r.Get("/transcript", s.handleTranscript)
			r.Get("/events", s.handleStateEvents)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"active_sessions":  s.sessions.ActiveCount(),
		"transcript_store": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.ValidateAPIKey(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"transcript_store": s.storeMode,
	})
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type sessionResponse struct {
	SessionID       string       `json:"session_id"`
	UserID          string       `json:"user_id"`
	CreatedAt       time.Time    `json:"created_at"`
	InactivityTTLMS int64        `json:"inactivity_ttl_ms"`
	State           avatar.State `json:"state"`
	Error           string       `json:"error,omitempty"`
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) toResponse(e *session.Entry) sessionResponse {
	return sessionResponse{
		SessionID:       e.ID,
		UserID:          e.UserID,
		CreatedAt:       e.CreatedAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		State:           e.Coordinator.State(),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	entry, err := s.sessions.Create(req.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}

	startErr := entry.Coordinator.StartSession(r.Context())
	resp := s.toResponse(entry)
	if startErr == nil {
		s.sessions.RefreshActive()
		respondJSON(w, http.StatusCreated, resp)
		return
	}

	_, _ = s.sessions.Remove(context.WithoutCancel(r.Context()), entry.ID)
	resp.Error = resp.State.Status.Message
	if resp.Error == "" {
		resp.Error = startErr.Error()
	}
	var ve *config.ValidationError
	if errors.As(startErr, &ve) {
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.logger.Warn("avatar session start failed", zap.String("session_id", entry.ID), zap.Error(startErr))
	respondJSON(w, http.StatusBadGateway, resp)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Entry, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	entry, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	_ = s.sessions.Touch(id)
	return entry, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.toResponse(entry))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	s.handleDispatch(w, r, (*avatar.Coordinator).SendMessage)
}

func (s *Server) handleRepeat(w http.ResponseWriter, r *http.Request) {
	s.handleDispatch(w, r, (*avatar.Coordinator).RepeatText)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request, send func(*avatar.Coordinator, context.Context, string) error) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := send(entry.Coordinator, r.Context(), req.Text)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, s.toResponse(entry))
	case errors.Is(err, avatar.ErrEmptyText):
		respondError(w, http.StatusBadRequest, "empty_text", err.Error())
	case errors.Is(err, avatar.ErrNoActiveSession):
		respondError(w, http.StatusConflict, "session_inactive", err.Error())
	default:
		resp := s.toResponse(entry)
		resp.Error = err.Error()
		respondJSON(w, http.StatusBadGateway, resp)
	}
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	entry, err := s.sessions.Remove(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.toResponse(entry))
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.transcripts.Recent(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []transcript.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"records":    records,
	})
}

// handleStateEvents pushes every state snapshot of a session over a websocket.
func (s *Server) handleStateEvents(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	states, unsubscribe := entry.Coordinator.Subscribe(16)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(stateReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(stateReadTimeout))
		return nil
	})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = s.sessions.Touch(entry.ID)
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			<-readerDone
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(stateWriteTimeout)); err != nil {
				cancel()
			}
		case st, ok := <-states:
			if !ok {
				cancel()
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(stateWriteTimeout))
			if err := conn.WriteJSON(st); err != nil {
				s.logger.Debug("state push failed", zap.String("session_id", entry.ID), zap.Error(err))
				cancel()
				continue
			}
			s.metrics.ObserveFrame("outbound", "state")
			if st.Phase == avatar.PhaseEnded {
				cancel()
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
