package livechat_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	livechat "github.com/LuminPulse-AI/livechat/sdk/golang"
	"github.com/LuminPulse-AI/livechat/sdk/golang/internal/fakeserver"
)

// ============================================================================
// Test Helpers
// ============================================================================

func await[T any](t *testing.T, f *livechat.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("timed out waiting for future")
	}
	return v, err
}

func within(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 20*time.Millisecond, msg)
}

// watcher records restart and error events.
type watcher struct {
	livechat.BaseDelegate

	mu       sync.Mutex
	restarts int
	errs     []livechat.ErrorKind
}

func (w *watcher) RestartRequired(err *livechat.Error) {
	w.mu.Lock()
	w.restarts++
	w.mu.Unlock()
}

func (w *watcher) ErrorReceived(err *livechat.Error) {
	w.mu.Lock()
	w.errs = append(w.errs, err.Kind)
	w.mu.Unlock()
}

func (w *watcher) restartCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

type harness struct {
	fake   *fakeserver.Server
	srv    *httptest.Server
	client *livechat.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := fakeserver.New()
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	return &harness{fake: fake, srv: srv, client: livechat.NewClient(srv.URL, livechat.WithTimeout(5*time.Second))}
}

func (h *harness) session(t *testing.T, cfg livechat.Config, opts ...livechat.SessionOption) *livechat.Session {
	t.Helper()
	if cfg.AccountName == "" {
		cfg.AccountName = "demo"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	s, err := h.client.NewSession(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	_, err = await(t, s.Start())
	require.NoError(t, err)
	return s
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 3))))
	return buf.Bytes()
}

func lastText(c *livechat.Chat) string {
	if c == nil {
		return ""
	}
	if m := c.LastMessage(); m != nil {
		return m.Text
	}
	return ""
}

// ============================================================================
// Client.Do
// ============================================================================

func TestClientDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unauthorized":
			w.WriteHeader(http.StatusUnauthorized)
		case "/unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/garbage":
			_, _ = w.Write([]byte("<html>"))
		case "/error":
			_, _ = w.Write([]byte(`{"error":"no-chat","message":"chat is gone"}`))
		case "/form":
			_ = r.ParseForm()
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "ok", "data": map[string]string{
				"method": r.Method, "action": r.PostForm.Get("action"), "ua": r.UserAgent(),
			}})
		case "/query":
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "ok", "data": map[string]string{"since": r.URL.Query().Get("since")}})
		case "/upload":
			f, hdr, err := r.FormFile(livechat.UploadFieldName)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body, _ := io.ReadAll(f)
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "ok", "data": map[string]string{
				"filename": hdr.Filename, "type": hdr.Header.Get("Content-Type"),
				"body": string(body), "chat-mode": r.FormValue("chat-mode"),
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := livechat.NewClient(srv.URL, livechat.WithUserAgent("livechat-test"))
	ctx := context.Background()
	call := func(method, path string, params url.Values, up *livechat.Upload) (map[string]string, error) {
		data, err := c.Do(ctx, &livechat.Request{Method: method, Path: path, Params: params, Upload: up})
		if err != nil {
			return nil, err
		}
		var out map[string]string
		require.NoError(t, json.Unmarshal(data, &out))
		return out, nil
	}

	t.Run("error mapping", func(t *testing.T) {
		cases := map[string]livechat.ErrorKind{
			"/unauthorized": livechat.KindReinitRequired,
			"/unavailable":  livechat.KindServerNotReady,
			"/garbage":      livechat.KindResponseDataError,
			"/error":        livechat.KindChatNotFound,
			"/missing":      livechat.KindUnknown,
		}
		for path, want := range cases {
			_, err := call(http.MethodGet, path, nil, nil)
			assert.Equal(t, want, livechat.KindOf(err), path)
		}

		_, err := call(http.MethodGet, "/error", nil, nil)
		var e *livechat.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, "no-chat", e.Code)
		assert.Contains(t, e.Error(), "chat is gone")
	})

	t.Run("form post", func(t *testing.T) {
		out, err := call(http.MethodPost, "/form", url.Values{"action": {"chat.close"}}, nil)
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, out["method"])
		assert.Equal(t, "chat.close", out["action"])
		assert.Equal(t, "livechat-test", out["ua"])
	})

	t.Run("query get", func(t *testing.T) {
		out, err := call(http.MethodGet, "/query", url.Values{"since": {"42"}}, nil)
		require.NoError(t, err)
		assert.Equal(t, "42", out["since"])
	})

	t.Run("multipart upload", func(t *testing.T) {
		out, err := call(http.MethodPost, "/upload", url.Values{"chat-mode": {"online"}},
			&livechat.Upload{Filename: "notes.txt", Data: []byte("hello")})
		require.NoError(t, err)
		assert.Equal(t, "notes.txt", out["filename"])
		assert.Equal(t, "text/plain", out["type"])
		assert.Equal(t, "hello", out["body"])
		assert.Equal(t, "online", out["chat-mode"])
	})

	t.Run("network error", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		dead.Close()
		_, err := livechat.NewClient(dead.URL).Do(ctx, &livechat.Request{Path: "/"})
		assert.True(t, livechat.IsKind(err, livechat.KindNetworkError))
	})
}

func TestNewClientBaseURL(t *testing.T) {
	assert.Equal(t, "https://demo.webim.ru", livechat.NewClient("demo").BaseURL())
	assert.Equal(t, "http://localhost:8080", livechat.NewClient("http://localhost:8080/").BaseURL())
	assert.Equal(t, "https://x.example", livechat.NewClient("demo", livechat.WithBaseURL("https://x.example/")).BaseURL())
}

// ============================================================================
// Realtime session
// ============================================================================

func TestRealtimeConversation(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, livechat.Config{})
	require.Equal(t, livechat.StateIdle, s.State())
	require.Equal(t, livechat.ConnectionOnline, s.ConnectionStatus())
	assert.True(t, s.HintsEnabled())

	pending, err := s.SendMessage("hello", nil)
	require.NoError(t, err)
	msg, err := await(t, pending.Future)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, livechat.StatusSent, msg.Status)
	assert.Equal(t, "hello", lastText(s.CurrentChat()))

	h.fake.OperatorReply("Hi, I'm Olga")
	s.PollNow()
	within(t, func() bool { return lastText(s.CurrentChat()) == "Hi, I'm Olga" }, "operator reply not polled")

	chat := s.CurrentChat()
	assert.NotEmpty(t, chat.ID, "pending chat confirmed by the poll")
	assert.Len(t, chat.Messages, 2)
	require.NotNil(t, chat.Operator)
	assert.Equal(t, "Olga", chat.Operator.Name)
	assert.Equal(t, livechat.StateChat, s.State())
	assert.Positive(t, s.Cursor())

	_, err = await(t, s.SetVisitorTyping("one sec"))
	require.NoError(t, err)
	assert.Equal(t, "one sec", h.fake.Draft())

	_, err = await(t, s.SetDeviceTokenString("apns-token"))
	require.NoError(t, err)
	assert.Equal(t, "apns-token", h.fake.PushToken())

	img := tinyPNG(t)
	pendingFile, err := s.SendFile(img, "dot.png", "", nil)
	require.NoError(t, err)
	fileMsg, err := await(t, pendingFile.Future)
	require.NoError(t, err)
	require.NotNil(t, fileMsg.File)
	assert.NotEmpty(t, fileMsg.File.GUID)
	require.NotNil(t, fileMsg.File.Image)
	assert.Equal(t, 2, fileMsg.File.Image.Width)
	assert.Equal(t, 3, fileMsg.File.Image.Height)

	link, err := s.AttachmentURL(fileMsg)
	require.NoError(t, err)
	resp, err := http.Get(link)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, img, body)

	_, err = await(t, s.CloseChat())
	require.NoError(t, err)
	assert.Equal(t, livechat.StateIdleAfterChat, s.State())

	_, err = await(t, s.RateOperator("", 4))
	require.NoError(t, err)
	assert.Equal(t, livechat.StateIdle, s.State())
	assert.Equal(t, 1, h.fake.Requests("action:chat.operator_rate_select"))

	s.PollNow()
	within(t, func() bool {
		c := s.CurrentChat()
		return c != nil && c.Ratings["op-1"] == 1
	}, "rating not reflected by the server")
	assert.Equal(t, livechat.StateIdle, s.State())
}

func TestRealtimeSendFailure(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, livechat.Config{})
	h.fake.FailActions("message_length_exceeded")

	pending, err := s.SendMessage("too long for the server", nil)
	require.NoError(t, err)
	msg, err := await(t, pending.Future)
	assert.True(t, errors.Is(err, livechat.ErrMessageSizeExceeded))
	require.NotNil(t, msg)
	assert.Equal(t, livechat.StatusFailed, msg.Status)
	assert.Equal(t, livechat.KindMessageSizeExceeded, msg.FailureKind)
	assert.Equal(t, livechat.ConnectionOnline, s.ConnectionStatus(), "a rejected message is not a connectivity problem")
}

func TestRealtimeResumesVisitSession(t *testing.T) {
	h := newHarness(t)
	store := livechat.NewMemoryStore()
	visitor := livechat.WithVisitor(&livechat.Visitor{ID: "u1", Name: "Ada"})

	first := h.session(t, livechat.Config{}, livechat.WithStore(store), visitor)
	_, err := await(t, first.StartChat())
	require.NoError(t, err)
	pending, err := first.SendMessage("are you there?", nil)
	require.NoError(t, err)
	_, err = await(t, pending.Future)
	require.NoError(t, err)
	token := h.fake.AuthToken()
	first.Close()

	second := h.session(t, livechat.Config{}, livechat.WithStore(store), visitor)
	assert.Equal(t, token, h.fake.AuthToken(), "visit session resumed")
	assert.Equal(t, livechat.StateChat, second.State())
	assert.Equal(t, "are you there?", lastText(second.CurrentChat()))
	assert.Equal(t, "Ada", second.Visitor().Name)
	assert.Equal(t, 2, h.fake.Requests(livechat.PathDelta))
}

func TestRealtimeRestartRequired(t *testing.T) {
	h := newHarness(t)
	w := &watcher{}
	store := livechat.NewMemoryStore()
	s := h.session(t, livechat.Config{}, livechat.WithDelegate(w), livechat.WithStore(store))

	h.fake.SetReinitRequired(true)
	s.PollNow()
	within(t, func() bool { return w.restartCount() == 1 }, "restart not reported")

	_, err := s.SendMessage("hello?", nil)
	assert.True(t, errors.Is(err, livechat.ErrReinitRequired))

	data, err := livechat.LoadClientData(context.Background(), store, "demo", "")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Empty(t, data.VisitSessionID)

	h.fake.SetReinitRequired(false)
	fresh := h.session(t, livechat.Config{}, livechat.WithStore(store))
	assert.Equal(t, livechat.StateIdle, fresh.State())
}

func TestRealtimePushWakesPoll(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, livechat.Config{Push: true})

	_, err := await(t, s.StartChat())
	require.NoError(t, err)
	within(t, func() bool { return h.fake.Requests(livechat.PathPush) >= 1 }, "push channel not connected")
	// The connect nudge triggers one poll; wait for it so the reply below
	// is only found through the push path.
	within(t, func() bool { return h.fake.Requests(livechat.PathHistory) >= 1 }, "connect poll missing")

	h.fake.OperatorReply("pushed")
	within(t, func() bool { return lastText(s.CurrentChat()) == "pushed" }, "push did not wake the poll")
}

// ============================================================================
// Offline appeals
// ============================================================================

func TestOfflineAppeals(t *testing.T) {
	h := newHarness(t)
	refund := h.fake.AddAppeal("Refund", "We refunded your order")

	s, err := h.client.NewOfflineSession(livechat.Config{AccountName: "demo"},
		livechat.WithVisitor(&livechat.Visitor{ID: "u1"}), livechat.WithStore(livechat.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Open(context.Background()))

	changes, err := await(t, s.GetHistory(true))
	require.NoError(t, err)
	require.Len(t, changes.NewChats, 1)
	appeal := s.Appeal(refund)
	require.NotNil(t, appeal)
	assert.Equal(t, "Refund", appeal.Subject)
	assert.True(t, appeal.HasUnreadMessages)

	_, err = await(t, s.MarkChatAsRead(refund))
	require.NoError(t, err)
	assert.False(t, s.Appeal(refund).HasUnreadMessages)

	reply, err := s.SendMessage("Thanks!", refund, nil)
	require.NoError(t, err)
	msg, err := await(t, reply.Future)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Len(t, s.Appeal(refund).Messages, 2)

	opened, err := s.SendMessage("Another question", "", &livechat.OfflineMessageOptions{Subject: "Delivery"})
	require.NoError(t, err)
	_, err = await(t, opened.Future)
	require.NoError(t, err)

	_, err = await(t, s.GetHistory(true))
	require.NoError(t, err)
	appeals := s.Appeals()
	require.Len(t, appeals, 2)
	for _, a := range appeals {
		assert.NotEmpty(t, a.ID)
		assert.False(t, a.IsPending())
	}

	_, err = await(t, s.DeleteChat(refund))
	require.NoError(t, err)
	changes, err = await(t, s.GetHistory(true))
	require.NoError(t, err)
	assert.Empty(t, changes.RemovedChats, "already removed locally")
	require.Len(t, s.Appeals(), 1)
	assert.Equal(t, "Delivery", s.Appeals()[0].Subject)
}
