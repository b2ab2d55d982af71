package livechat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeTransport records every request and answers through handle.
type fakeTransport struct {
	mu     sync.Mutex
	calls  []*Request
	handle func(req *Request) (json.RawMessage, error)
}

func (f *fakeTransport) Do(ctx context.Context, req *Request) (json.RawMessage, error) {
	cp := &Request{Method: req.Method, Path: req.Path, Params: url.Values{}, Upload: req.Upload}
	for k, vs := range req.Params {
		cp.Params[k] = append([]string(nil), vs...)
	}
	f.mu.Lock()
	f.calls = append(f.calls, cp)
	h := f.handle
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, newError(KindNetworkError, "", err)
	}
	if h == nil {
		return json.RawMessage(`{}`), nil
	}
	return h(cp)
}

func (f *fakeTransport) setHandler(h func(req *Request) (json.RawMessage, error)) {
	f.mu.Lock()
	f.handle = h
	f.mu.Unlock()
}

// requests returns the recorded requests to path, filtered by action
// when action is not empty.
func (f *fakeTransport) requests(path, action string) []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Request
	for _, r := range f.calls {
		if r.Path == path && (action == "" || r.Params.Get("action") == action) {
			out = append(out, r)
		}
	}
	return out
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

const testInit = `{"authToken":"tok-1","pageId":"page-1","visitSessionId":"vs-1","state":"idle","onlineStatus":"online","hintsEnabled":true}`

// serverHandler routes requests by path; history answers come from the
// history func, everything else from the defaults below.
type serverHandler struct {
	init    string
	history func(since string) (json.RawMessage, error)
	action  func(req *Request) (json.RawMessage, error)
}

func (h *serverHandler) handle(req *Request) (json.RawMessage, error) {
	switch req.Path {
	case PathDelta:
		if h.init == "" {
			return raw(testInit), nil
		}
		return raw(h.init), nil
	case PathHistory:
		if h.history == nil {
			return raw(`{}`), nil
		}
		return h.history(req.Params.Get("since"))
	default:
		if h.action == nil {
			return raw(`{}`), nil
		}
		return h.action(req)
	}
}

// recorder is a Delegate that keeps every event as a string and the
// interesting payloads alongside.
type recorder struct {
	BaseDelegate

	mu       sync.Mutex
	events   []string
	errors   []*Error
	restarts []*Error
	messages []*Message
	updates  []*Message
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) SessionStateChanged(prev, curr SessionState) {
	r.add("state:" + string(prev) + "->" + string(curr))
}

func (r *recorder) ChatStateChanged(chat *Chat, prev, curr ChatState) {
	r.add("chat:" + string(prev) + "->" + string(curr))
}

func (r *recorder) ChatStarted(chat *Chat) { r.add("chat-started") }

func (r *recorder) MessageReceived(chat *Chat, msg *Message) {
	r.mu.Lock()
	r.events = append(r.events, "message:"+msg.Text)
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *recorder) MessageUpdated(chat *Chat, msg *Message) {
	r.mu.Lock()
	r.events = append(r.events, "updated:"+string(msg.Status))
	r.updates = append(r.updates, msg)
	r.mu.Unlock()
}

func (r *recorder) ErrorReceived(err *Error) {
	r.mu.Lock()
	r.errors = append(r.errors, err)
	r.mu.Unlock()
}

func (r *recorder) RestartRequired(err *Error) {
	r.mu.Lock()
	r.restarts = append(r.restarts, err)
	r.mu.Unlock()
}

func (r *recorder) FullUpdate(chat *Chat) { r.add("full-update") }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) restartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.restarts)
}

func (r *recorder) has(ev string) bool {
	for _, e := range r.snapshot() {
		if e == ev {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func testConfig() Config {
	return Config{AccountName: "demo", PollInterval: time.Hour}
}

func wait[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("timed out waiting for future")
	}
	return v, err
}

// startedSession returns a session that completed Start against tr.
func startedSession(t *testing.T, tr Transport, opts ...SessionOption) *Session {
	t.Helper()
	s := newTestSession(t, testConfig(), tr, opts...)
	_, err := wait(t, s.Start())
	require.NoError(t, err)
	return s
}

func newTestSession(t *testing.T, cfg Config, tr Transport, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(cfg, append([]SessionOption{WithTransport(tr)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// pollNow runs one history poll synchronously.
func pollNow(s *Session) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.pollOnce(context.Background(), gen)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}
