package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/avatarlink/internal/media"
	"github.com/ent0n29/avatarlink/internal/protocol"
	"github.com/ent0n29/avatarlink/internal/streamapi"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

const (
	pathToken = "/v1/streaming.create_token"
	pathNew   = "/v1/streaming.new"
	pathStart = "/v1/streaming.start"
	pathTask  = "/v1/streaming.task"
	pathStop  = "/v1/streaming.stop"
)

type reply struct {
	status int
	body   string
}

// fakeAPI is an httptest streaming API that counts calls per path.
type fakeAPI struct {
	mu      sync.Mutex
	replies map[string]reply
	order   []string
	bodies  map[string][]map[string]any
	gates   map[string]*gate
}

// gate holds requests to one path until released.
type gate struct {
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

func newFakeAPI(t *testing.T) (*fakeAPI, *streamapi.Client) {
	t.Helper()
	f := &fakeAPI{
		replies: map[string]reply{
			pathToken: {http.StatusOK, `{"data":{"token":"abc"}}`},
			pathNew:   {http.StatusOK, `{"data":{"session_id":"s1","url":"wss://x","access_token":"tok"}}`},
			pathStart: {http.StatusOK, `{}`},
			pathTask:  {http.StatusOK, `{}`},
			pathStop:  {http.StatusOK, `{}`},
		},
		bodies: make(map[string][]map[string]any),
		gates:  make(map[string]*gate),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		f.mu.Lock()
		f.order = append(f.order, r.URL.Path)
		f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
		rep, ok := f.replies[r.URL.Path]
		g := f.gates[r.URL.Path]
		f.mu.Unlock()
		if g != nil {
			g.once.Do(func() { close(g.arrived) })
			select {
			case <-g.release:
			case <-r.Context().Done():
				return
			}
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(rep.status)
		_, _ = io.WriteString(w, rep.body)
	}))
	t.Cleanup(srv.Close)

	client, err := streamapi.NewClient(streamapi.ClientConfig{
		BaseURL: srv.URL,
		APIKey:  "live-key-123",
		Session: streamapi.SessionDefaults{Quality: "high", AvatarName: "Wayne_20240711", Version: "v2", VideoEncoding: "H264", STTProvider: "deepgram", STTConfidence: 0.55},
	}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("streamapi.NewClient() error = %v", err)
	}
	return f, client
}

func (f *fakeAPI) set(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[path] = reply{status: status, body: body}
}

// block holds every request to path until the returned func is called. The
// channel closes when the first request arrives.
func (f *fakeAPI) block(t *testing.T, path string) (<-chan struct{}, func()) {
	t.Helper()
	g := &gate{arrived: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[path] = g
	f.mu.Unlock()
	var once sync.Once
	release := func() { once.Do(func() { close(g.release) }) }
	t.Cleanup(release)
	return g.arrived, release
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.order {
		if p == path {
			n++
		}
	}
	return n
}

func (f *fakeAPI) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeAPI) lastBody(path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bodies[path]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

type delivery struct {
	ev  protocol.Event
	ack chan struct{}
}

// fakeStream delivers events synchronously through Deliver.
type fakeStream struct {
	inbox chan delivery
	done  chan struct{}

	mu      sync.Mutex
	sendErr error
	runErr  error
	sent    []string
	closed  bool
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{inbox: make(chan delivery), done: make(chan struct{})}
}

func (f *fakeStream) Run(ctx context.Context, handle func(protocol.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.done:
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.runErr
		case d := <-f.inbox:
			handle(d.ev)
			close(d.ack)
		}
	}
}

func (f *fakeStream) SendChat(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

// Terminate ends Run with err, as a failed read would.
func (f *fakeStream) Terminate(err error) {
	f.mu.Lock()
	f.runErr = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeStream) Deliver(t *testing.T, ev protocol.Event) {
	t.Helper()
	d := delivery{ev: ev, ack: make(chan struct{})}
	select {
	case f.inbox <- d:
	case <-time.After(2 * time.Second):
		t.Fatalf("receive loop did not accept %q", ev.Type)
	}
	select {
	case <-d.ack:
	case <-time.After(2 * time.Second):
		t.Fatalf("receive loop did not handle %q", ev.Type)
	}
}

func (f *fakeStream) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeStream) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeStreamDialer struct {
	mu     sync.Mutex
	err    error
	stream *fakeStream
	urls   []string
}

func (d *fakeStreamDialer) DialStream(_ context.Context, url string) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	d.stream = newFakeStream()
	return d.stream, nil
}

func (d *fakeStreamDialer) current() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

func (d *fakeStreamDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type fakeRoom struct {
	events        chan media.Event
	mu            sync.Mutex
	disconnected  bool
	disconnectErr error
	once          sync.Once
}

func (r *fakeRoom) Events() <-chan media.Event { return r.events }

func (r *fakeRoom) Disconnect(context.Context) error {
	r.mu.Lock()
	r.disconnected = true
	err := r.disconnectErr
	r.mu.Unlock()
	r.once.Do(func() { close(r.events) })
	return err
}

func (r *fakeRoom) Disconnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

type fakeMediaDialer struct {
	mu      sync.Mutex
	err     error
	room    *fakeRoom
	url     string
	token   string
	options media.Options
	calls   int
}

func (d *fakeMediaDialer) Connect(_ context.Context, url, token string, opts media.Options) (media.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.url, d.token, d.options = url, token, opts
	if d.err != nil {
		return nil, &media.TransportError{Op: "connect", Err: d.err}
	}
	d.room = &fakeRoom{events: make(chan media.Event, 16)}
	return d.room, nil
}

func (d *fakeMediaDialer) current() *fakeRoom {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.room
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []transcript.Record
	err     error
}

func (m *memoryRecorder) Append(_ context.Context, r transcript.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, r)
	return nil
}

func (m *memoryRecorder) all() []transcript.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transcript.Record(nil), m.records...)
}

type harness struct {
	c        *Coordinator
	api      *fakeAPI
	streams  *fakeStreamDialer
	media    *fakeMediaDialer
	recorder *memoryRecorder
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithKey(t, "live-key-123")
}

func newHarnessWithKey(t *testing.T, key string) *harness {
	t.Helper()
	api, client := newFakeAPI(t)
	h := &harness{
		api:      api,
		streams:  &fakeStreamDialer{},
		media:    &fakeMediaDialer{},
		recorder: &memoryRecorder{},
	}
	c, err := NewCoordinator(Deps{
		API:      client,
		Streams:  h.streams,
		Media:    h.media,
		Recorder: h.recorder,
		Logger:   zap.NewNop(),
	}, Settings{
		ID:     "local-1",
		APIKey: key,
		Chat:   streamapi.DefaultChatOptions("Hello!", "en"),
		Media:  media.Options{AdaptiveStream: true, SelectiveSubscribe: true},
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	h.c = c
	t.Cleanup(func() { c.EndSession(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.c.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
}

func waitFor(t *testing.T, c *Coordinator, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := c.State()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state = %+v", what, s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
