package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarlink/internal/avatar"
	"github.com/ent0n29/avatarlink/internal/config"
	"github.com/ent0n29/avatarlink/internal/media"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/session"
	"github.com/ent0n29/avatarlink/internal/streamapi"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

var errNoStream = errors.New("stream unavailable")

type upstream struct {
	mu    sync.Mutex
	paths []string
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, p := range u.paths {
		if p == path {
			n++
		}
	}
	return n
}

func newUpstream(t *testing.T) (*upstream, *httptest.Server) {
	t.Helper()
	u := &upstream{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		u.mu.Lock()
		u.paths = append(u.paths, r.URL.Path)
		u.mu.Unlock()
		switch r.URL.Path {
		case "/v1/streaming.create_token":
			_, _ = io.WriteString(w, `{"data":{"token":"abc"}}`)
		case "/v1/streaming.new":
			_, _ = io.WriteString(w, `{"data":{"session_id":"s1","url":"wss://room","access_token":"tok"}}`)
		default:
			_, _ = io.WriteString(w, `{}`)
		}
	}))
	t.Cleanup(srv.Close)
	return u, srv
}

type idleRoom struct {
	events chan media.Event
	once   sync.Once
}

func (r *idleRoom) Events() <-chan media.Event { return r.events }

func (r *idleRoom) Disconnect(context.Context) error {
	r.once.Do(func() { close(r.events) })
	return nil
}

type roomDialer struct{}

func (roomDialer) Connect(context.Context, string, string, media.Options) (media.Room, error) {
	return &idleRoom{events: make(chan media.Event)}, nil
}

type testEnv struct {
	ts       *httptest.Server
	upstream *upstream
	sessions *session.Manager
	store    *transcript.InMemoryStore
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	up, upSrv := newUpstream(t)
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		APIKey:                   apiKey,
		APIBaseURL:               upSrv.URL,
		AvatarName:               "Wayne_20240711",
		Quality:                  "high",
		AdaptiveStream:           true,
		SelectiveSubscribe:       true,
	}
	metrics := observability.NewMetrics("test_httpapi_" + strings.ReplaceAll(t.Name(), "/", "_"))
	store := transcript.NewInMemoryStore(0)

	client, err := streamapi.NewClient(streamapi.ClientConfig{BaseURL: upSrv.URL, APIKey: apiKey}, nil, metrics)
	if err != nil {
		t.Fatalf("streamapi.NewClient() error = %v", err)
	}
	factory := func(id string) (*avatar.Coordinator, error) {
		return avatar.NewCoordinator(avatar.Deps{
			API: client,
			Streams: avatar.StreamDialerFunc(func(context.Context, string) (avatar.Stream, error) {
				return nil, errNoStream
			}),
			Media:    roomDialer{},
			Recorder: store,
			Metrics:  metrics,
		}, avatar.Settings{ID: id, APIKey: apiKey})
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout, factory, nil, metrics)
	t.Cleanup(func() { sessions.EndAll(context.Background()) })

	srv := New(cfg, sessions, Options{Transcripts: store, StoreMode: "in-memory", Metrics: metrics})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, upstream: up, sessions: sessions, store: store}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	res, err := http.Post(e.ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	return res, decodeBody(t, res)
}

func (e *testEnv) postRaw(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Post(e.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	return res, decodeBody(t, res)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	return res, decodeBody(t, res)
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func stateOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	st, ok := body["state"].(map[string]any)
	if !ok {
		t.Fatalf("response has no state: %+v", body)
	}
	return st
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, "live-key-123")

	res, created := env.post(t, "/v1/avatar/sessions", map[string]string{"user_id": "user-1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d (%+v)", res.StatusCode, http.StatusCreated, created)
	}
	id, _ := created["session_id"].(string)
	if id == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	st := stateOf(t, created)
	if st["is_session_active"] != true || st["degraded"] != true {
		t.Fatalf("created state = %+v, want active and degraded", st)
	}

	res, got := env.get(t, "/v1/avatar/sessions/"+id)
	if res.StatusCode != http.StatusOK || got["user_id"] != "user-1" {
		t.Fatalf("get = %d %+v", res.StatusCode, got)
	}

	res, sent := env.post(t, "/v1/avatar/sessions/"+id+"/messages", map[string]string{"text": "hello"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("message status = %d, want %d (%+v)", res.StatusCode, http.StatusAccepted, sent)
	}
	if stateOf(t, sent)["last_sent_message"] != "hello" {
		t.Fatalf("message state = %+v", stateOf(t, sent))
	}
	if n := env.upstream.count("/v1/streaming.task"); n != 1 {
		t.Fatalf("task calls = %d, want 1", n)
	}

	res, _ = env.post(t, "/v1/avatar/sessions/"+id+"/repeat", map[string]string{"text": "say this"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("repeat status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	res, tr := env.get(t, "/v1/avatar/sessions/"+id+"/transcript?limit=10")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transcript status = %d", res.StatusCode)
	}
	if records, _ := tr["records"].([]any); len(records) != 2 {
		t.Fatalf("transcript records = %+v, want 2", tr["records"])
	}

	res, ended := env.post(t, "/v1/avatar/sessions/"+id+"/end", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if stateOf(t, ended)["phase"] != string(avatar.PhaseEnded) {
		t.Fatalf("ended state = %+v", stateOf(t, ended))
	}
	if n := env.upstream.count("/v1/streaming.stop"); n != 1 {
		t.Fatalf("stop calls = %d, want 1", n)
	}

	res, _ = env.get(t, "/v1/avatar/sessions/"+id)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after end status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestCreateSessionConfigurationError(t *testing.T) {
	env := newTestEnv(t, "your_api_key")

	res, body := env.post(t, "/v1/avatar/sessions", map[string]string{"user_id": "user-1"})
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
	if msg, _ := body["error"].(string); !strings.HasPrefix(msg, "Configuration error") {
		t.Fatalf("error = %q, want configuration error", msg)
	}
	if env.sessions.Len() != 0 {
		t.Fatalf("sessions = %d, want failed entry removed", env.sessions.Len())
	}
	if n := env.upstream.count("/v1/streaming.create_token"); n != 0 {
		t.Fatalf("token calls = %d, want 0", n)
	}
}

func TestDispatchErrors(t *testing.T) {
	env := newTestEnv(t, "live-key-123")
	_, created := env.post(t, "/v1/avatar/sessions", nil)
	id, _ := created["session_id"].(string)

	res, _ := env.post(t, "/v1/avatar/sessions/"+id+"/messages", map[string]string{"text": "   "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank message status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	entry, err := env.sessions.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	entry.Coordinator.EndSession(context.Background())

	res, _ = env.post(t, "/v1/avatar/sessions/"+id+"/messages", map[string]string{"text": "hello"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("message after end status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	res, _ = env.post(t, "/v1/avatar/sessions/missing/messages", map[string]string{"text": "hello"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestMalformedBodies(t *testing.T) {
	env := newTestEnv(t, "live-key-123")
	_, created := env.post(t, "/v1/avatar/sessions", nil)
	id, _ := created["session_id"].(string)

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "truncated create", path: "/v1/avatar/sessions", body: `{"user_id":"u`},
		{name: "truncated object create", path: "/v1/avatar/sessions", body: `{"user_id":`},
		{name: "truncated message", path: "/v1/avatar/sessions/" + id + "/messages", body: `{"text":"hel`},
		{name: "empty message", path: "/v1/avatar/sessions/" + id + "/messages", body: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := env.postRaw(t, tt.path, tt.body)
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d body = %+v, want %d", res.StatusCode, body, http.StatusBadRequest)
			}
		})
	}

	res, _ := env.postRaw(t, "/v1/avatar/sessions", "")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("empty create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
}

func TestTranscriptRejectsBadLimit(t *testing.T) {
	env := newTestEnv(t, "live-key-123")
	for _, limit := range []string{"0", "-1", "ten"} {
		res, _ := env.get(t, "/v1/avatar/sessions/x/transcript?limit="+limit)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("limit=%s status = %d, want %d", limit, res.StatusCode, http.StatusBadRequest)
		}
	}
}

func TestStateEventsStream(t *testing.T) {
	env := newTestEnv(t, "live-key-123")
	_, created := env.post(t, "/v1/avatar/sessions", nil)
	id, _ := created["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/avatar/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first avatar.State
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first snapshot: %v", err)
	}
	if !first.IsSessionActive || first.Phase != avatar.PhaseActive {
		t.Fatalf("first snapshot = %+v, want active", first)
	}

	env.post(t, "/v1/avatar/sessions/"+id+"/end", nil)
	for {
		var st avatar.State
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatalf("read snapshot: %v", err)
		}
		if st.Phase == avatar.PhaseEnded {
			return
		}
	}
}

func TestInfoRoutes(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		check func(t *testing.T, body map[string]any)
	}{
		{
			name: "health",
			path: "/healthz",
			check: func(t *testing.T, body map[string]any) {
				if body["status"] != "ok" {
					t.Fatalf("status = %v, want ok", body["status"])
				}
			},
		},
		{
			name: "ready",
			path: "/readyz",
			check: func(t *testing.T, body map[string]any) {
				if body["status"] != "ready" {
					t.Fatalf("status = %v, want ready", body["status"])
				}
			},
		},
		{
			name: "ui settings",
			path: "/v1/ui/settings",
			check: func(t *testing.T, body map[string]any) {
				if body["avatar_name"] != "Wayne_20240711" || body["adaptive_stream"] != true {
					t.Fatalf("settings = %+v", body)
				}
				if body["inactivity_ttl_ms"] != float64(120000) {
					t.Fatalf("inactivity_ttl_ms = %v, want 120000", body["inactivity_ttl_ms"])
				}
			},
		},
		{
			name: "perf",
			path: "/v1/perf/handshake",
			check: func(t *testing.T, body map[string]any) {
				if _, ok := body["stages"]; !ok {
					t.Fatalf("perf response missing stages: %+v", body)
				}
			},
		},
	}
	env := newTestEnv(t, "live-key-123")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := env.get(t, tt.path)
			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
			}
			tt.check(t, body)
		})
	}
}

func TestOnboardingStatus(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		wantReady bool
		wantKey   string
	}{
		{name: "configured", key: "live-key-123", wantReady: true, wantKey: "ok"},
		{name: "missing key", key: "", wantReady: false, wantKey: "error"},
		{name: "placeholder key", key: "<API KEY>", wantReady: false, wantKey: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.key)
			res, err := http.Get(env.ts.URL + "/v1/onboarding/status")
			if err != nil {
				t.Fatalf("GET onboarding: %v", err)
			}
			defer res.Body.Close()
			var body onboardingStatusResponse
			if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Ready != tt.wantReady {
				t.Fatalf("Ready = %v, want %v (%+v)", body.Ready, tt.wantReady, body.Checks)
			}
			statuses := map[string]string{}
			for _, c := range body.Checks {
				statuses[c.ID] = c.Status
			}
			if statuses["api_key"] != tt.wantKey {
				t.Fatalf("api_key check = %q, want %q", statuses["api_key"], tt.wantKey)
			}
			if statuses["api_reachable"] != "ok" {
				t.Fatalf("api_reachable check = %q, want ok", statuses["api_reachable"])
			}
			if statuses["transcript_store"] != "warn" {
				t.Fatalf("transcript_store check = %q, want warn", statuses["transcript_store"])
			}
		})
	}
}
