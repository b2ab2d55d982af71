// Package fakeserver is an in-process live-support backend speaking the
// livechat wire protocol. It backs the end-to-end tests and the CLI's
// mock command.
package fakeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	livechat "github.com/LuminPulse-AI/livechat/sdk/golang"
)

const maxUploadSize = 64 << 20

type storedFile struct {
	filename    string
	contentType string
	data        []byte
}

// Server is a single-visitor fake backend. It is safe for concurrent use.
type Server struct {
	router *chi.Mux
	log    *slog.Logger

	operator  livechat.OperatorItem
	autoReply string

	mu           sync.Mutex
	lastTs       int64
	nextID       int
	authToken    string
	pageID       string
	visitSession string
	state        string
	onlineStatus string
	chats        []*livechat.ChatItem
	files        map[string]storedFile
	pushToken    string
	draft        string
	reinit       bool
	failCode     string
	requests     map[string]int
	subscribers  map[chan struct{}]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger logs every request.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithAutoReply makes the operator answer every visitor message.
func WithAutoReply(text string) Option {
	return func(s *Server) { s.autoReply = text }
}

// New creates a server with an online support side and no chats.
func New(opts ...Option) *Server {
	s := &Server{
		log:          slog.New(slog.DiscardHandler),
		operator:     livechat.OperatorItem{ID: "op-1", Fullname: "Olga"},
		onlineStatus: string(livechat.OnlineStatusOnline),
		files:        make(map[string]storedFile),
		requests:     make(map[string]int),
		subscribers:  make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get(livechat.PathDelta, s.handleInit)
	r.Get(livechat.PathHistory, s.handleHistory)
	r.Post(livechat.PathAction, s.handleAction)
	r.Post(livechat.PathUpload, s.handleUpload)
	r.Get(livechat.PathDownload+"/{guid}/{filename}", s.handleDownload)
	r.Get(livechat.PathPush, s.handlePush)
	s.router = r
	return s
}

// Handler returns the HTTP handler serving the protocol.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// ============================================================================
// Test hooks
// ============================================================================

// Requests returns how often a path or "action:<name>" was requested.
func (s *Server) Requests(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key]
}

// SetReinitRequired makes every request fail with reinit-required.
func (s *Server) SetReinitRequired(v bool) {
	s.mu.Lock()
	s.reinit = v
	s.mu.Unlock()
}

// FailActions makes actions and uploads fail with the given server error
// code. An empty code restores normal behavior.
func (s *Server) FailActions(code string) {
	s.mu.Lock()
	s.failCode = code
	s.mu.Unlock()
}

// SetOnlineStatus changes the reported availability of the support side.
func (s *Server) SetOnlineStatus(status livechat.OnlineStatus) {
	s.mu.Lock()
	s.onlineStatus = string(status)
	s.mu.Unlock()
	s.nudge()
}

// AuthToken returns the token issued by the last init.
func (s *Server) AuthToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken
}

// PushToken returns the last registered device token.
func (s *Server) PushToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushToken
}

// Draft returns the last reported visitor draft.
func (s *Server) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// OperatorReply posts an operator message to the current chat and
// assigns the operator to it.
func (s *Server) OperatorReply(text string) {
	s.mu.Lock()
	if c := s.currentLocked(); c != nil {
		s.operatorReplyLocked(c, text)
	}
	s.mu.Unlock()
	s.nudge()
}

// SetOperatorTyping flips the typing flag of the current chat.
func (s *Server) SetOperatorTyping(typing bool) {
	s.mu.Lock()
	if c := s.currentLocked(); c != nil {
		c.OperatorTyping = typing
		s.touchLocked(c)
	}
	s.mu.Unlock()
	s.nudge()
}

// CloseChatByOperator closes the current chat from the operator side.
func (s *Server) CloseChatByOperator() {
	s.mu.Lock()
	if c := s.currentLocked(); c != nil {
		c.State = string(livechat.ChatStateClosedByOperator)
		s.touchLocked(c)
		s.state = string(livechat.StateIdleAfterChat)
	}
	s.mu.Unlock()
	s.nudge()
}

// AddAppeal creates an offline appeal with one operator message, as if
// support answered while the visitor was away.
func (s *Server) AddAppeal(subject, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.newChatLocked("", string(livechat.ChatStateQueue))
	c.Offline = true
	c.Subject = subject
	s.operatorReplyLocked(c, text)
	return string(c.ID)
}

// ============================================================================
// State helpers
// ============================================================================

// tick returns a strictly increasing server time in microseconds, on
// millisecond boundaries so second-based wire timestamps stay exact.
func (s *Server) tick() int64 {
	now := time.Now().UnixMilli() * 1000
	if now <= s.lastTs {
		now = s.lastTs + 1000
	}
	s.lastTs = now
	return now
}

func seconds(us int64) float64 { return float64(us) / 1e6 }

func (s *Server) newID() livechat.ID {
	s.nextID++
	return livechat.ID(strconv.Itoa(s.nextID))
}

func (s *Server) touchLocked(c *livechat.ChatItem) int64 {
	ts := s.tick()
	c.ModificationTs = seconds(ts)
	return ts
}

func (s *Server) newChatLocked(clientSideID, state string) *livechat.ChatItem {
	ts := s.tick()
	c := &livechat.ChatItem{
		ID:             s.newID(),
		ClientSideID:   clientSideID,
		State:          state,
		ReadByVisitor:  true,
		CreationTs:     seconds(ts),
		ModificationTs: seconds(ts),
	}
	s.chats = append(s.chats, c)
	return c
}

func (s *Server) currentLocked() *livechat.ChatItem {
	for i := len(s.chats) - 1; i >= 0; i-- {
		if !s.chats[i].Offline {
			return s.chats[i]
		}
	}
	return nil
}

func (s *Server) openChatLocked() *livechat.ChatItem {
	c := s.currentLocked()
	if c == nil || livechat.ParseChatState(c.State).IsClosed() {
		return nil
	}
	return c
}

func (s *Server) findChatLocked(id string) *livechat.ChatItem {
	for _, c := range s.chats {
		if string(c.ID) == id || (c.ClientSideID != "" && c.ClientSideID == id) {
			return c
		}
	}
	return nil
}

func (s *Server) addMessageLocked(c *livechat.ChatItem, m livechat.MessageItem) livechat.MessageItem {
	ts := s.touchLocked(c)
	m.ID = s.newID()
	m.ChatID = c.ID
	m.TsM = ts
	m.Ts = seconds(ts)
	c.Messages = append(c.Messages, m)
	return m
}

func (s *Server) operatorReplyLocked(c *livechat.ChatItem, text string) {
	op := s.operator
	c.Operator = &op
	if !c.Offline {
		c.State = string(livechat.ChatStateChatting)
	}
	c.ReadByVisitor = false
	c.UnreadByVisitorMsgCnt++
	s.addMessageLocked(c, livechat.MessageItem{
		Kind:     string(livechat.MessageOperator),
		Text:     text,
		AuthorID: op.ID,
		Name:     op.Fullname,
	})
}

// sinceLocked copies the chats changed after since, keeping only newer
// messages.
func (s *Server) sinceLocked(since int64, offline bool) []livechat.ChatItem {
	var out []livechat.ChatItem
	for _, c := range s.chats {
		if c.Offline != offline {
			continue
		}
		if since > 0 && int64(c.ModificationTs*1e6+0.5) <= since {
			continue
		}
		cp := *c
		cp.Messages = nil
		for _, m := range c.Messages {
			if m.TsM > since {
				cp.Messages = append(cp.Messages, m)
			}
		}
		out = append(out, cp)
	}
	return out
}

// ============================================================================
// Push
// ============================================================================

func (s *Server) nudge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	s.count(livechat.PathPush)
	// Subscribed before the handshake: nudges right after connect must not be lost.
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("push accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, []byte(`{"type":"history"}`))
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) count(key string) {
	s.mu.Lock()
	s.requests[key]++
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"result": "ok", "data": data})
}

func writeError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusOK, map[string]any{"error": code})
}

// guard rejects requests while reinit is forced or when a realtime
// request carries a stale auth token.
func (s *Server) guard(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reinit {
		writeError(w, "reinit-required")
		return false
	}
	if token := r.FormValue("auth-token"); token != "" && token != s.authToken {
		writeError(w, "reinit-required")
		return false
	}
	return true
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	s.count(livechat.PathDelta)
	s.mu.Lock()
	if s.reinit {
		s.mu.Unlock()
		writeError(w, "reinit-required")
		return
	}
	resume := r.FormValue("visit-session-id") != "" &&
		r.FormValue("visit-session-id") == s.visitSession &&
		r.FormValue("auth-token") == s.authToken
	if !resume {
		s.visitSession = uuid.NewString()
		s.authToken = uuid.NewString()
		s.pageID = uuid.NewString()
		s.state = string(livechat.StateIdle)
		if c := s.openChatLocked(); c != nil {
			s.state = string(livechat.StateChat)
		}
	}
	full := livechat.FullUpdate{
		AuthToken:      s.authToken,
		PageID:         s.pageID,
		VisitSessionID: s.visitSession,
		State:          s.state,
		OnlineStatus:   s.onlineStatus,
		HintsEnabled:   true,
	}
	if raw := r.FormValue("visitor"); raw != "" {
		var v livechat.Visitor
		if json.Unmarshal([]byte(raw), &v) == nil {
			full.Visitor = &v
		}
	}
	if c := s.currentLocked(); c != nil {
		cp := *c
		cp.Messages = append([]livechat.MessageItem(nil), c.Messages...)
		full.Chat = &cp
	}
	s.mu.Unlock()
	writeData(w, full)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.count(livechat.PathHistory)
	if !s.guard(w, r) {
		return
	}
	since, _ := strconv.ParseInt(r.FormValue("since"), 10, 64)
	offline := r.FormValue("chat-mode") == "offline"

	s.mu.Lock()
	payload := livechat.HistoryPayload{Chats: s.sinceLocked(since, offline)}
	if !offline {
		payload.State = s.state
		payload.OnlineStatus = s.onlineStatus
	}
	s.mu.Unlock()
	writeData(w, payload)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := r.FormValue("action")
	s.count(livechat.PathAction)
	s.count("action:" + action)
	if !s.guard(w, r) {
		return
	}
	s.mu.Lock()
	if s.failCode != "" {
		code := s.failCode
		s.mu.Unlock()
		writeError(w, code)
		return
	}

	var (
		data    any = map[string]any{}
		errCode string
		reply   bool
	)
	switch action {
	case "chat.start":
		c := s.openChatLocked()
		if c == nil {
			c = s.newChatLocked(r.FormValue("client-side-id"), string(livechat.ChatStateQueue))
		}
		s.state = string(livechat.StateChat)
		data = map[string]any{"chat": c}

	case "chat.message":
		c := s.openChatLocked()
		if c == nil {
			c = s.newChatLocked(r.FormValue("chat-client-side-id"), string(livechat.ChatStateQueue))
			s.state = string(livechat.StateChat)
		}
		m := s.addMessageLocked(c, livechat.MessageItem{
			ClientSideID: r.FormValue("client-side-id"),
			Kind:         string(livechat.MessageVisitor),
			Text:         r.FormValue("message"),
		})
		data = map[string]any{"message": m}
		reply = true

	case "chat.close":
		c := s.openChatLocked()
		if c == nil {
			errCode = "chat-not-found"
			break
		}
		c.State = string(livechat.ChatStateClosedByVisitor)
		s.touchLocked(c)
		s.state = string(livechat.StateIdleAfterChat)

	case "chat.operator_rate_select":
		c := s.currentLocked()
		if c == nil {
			errCode = "no-chat"
			break
		}
		rate, _ := strconv.Atoi(r.FormValue("rate"))
		opID := r.FormValue("operator_id")
		if c.OperatorIDToRate == nil {
			c.OperatorIDToRate = make(map[string]livechat.RateItem)
		}
		c.OperatorIDToRate[opID] = livechat.RateItem{OperatorID: livechat.ID(opID), Rating: rate}
		s.touchLocked(c)
		if s.state == string(livechat.StateIdleAfterChat) {
			s.state = string(livechat.StateIdle)
		}

	case "chat.visitor_typing":
		s.draft = r.FormValue("message-draft")

	case "chat.read_by_visitor":
		c := s.findChatLocked(r.FormValue("chat-id"))
		if c == nil {
			errCode = "chat-not-found"
			break
		}
		c.ReadByVisitor = true
		c.UnreadByVisitorMsgCnt = 0
		s.touchLocked(c)

	case "chat.delete":
		id := r.FormValue("chat-id")
		kept := s.chats[:0]
		found := false
		for _, c := range s.chats {
			if string(c.ID) == id {
				found = true
				continue
			}
			kept = append(kept, c)
		}
		s.chats = kept
		if !found {
			errCode = "chat-not-found"
		}

	case "chat.offline_message":
		var c *livechat.ChatItem
		if id := r.FormValue("chat-id"); id != "" {
			if c = s.findChatLocked(id); c == nil {
				errCode = "chat-not-found"
				break
			}
		} else {
			c = s.newChatLocked(r.FormValue("chat-client-side-id"), string(livechat.ChatStateQueue))
			c.Offline = true
			c.Subject = r.FormValue("subject")
		}
		s.addMessageLocked(c, livechat.MessageItem{
			ClientSideID: r.FormValue("client-side-id"),
			Kind:         string(livechat.MessageVisitor),
			Text:         r.FormValue("message"),
		})
		data = map[string]any{"chat": c}

	case "set_push_token":
		s.pushToken = r.FormValue("push-token")

	default:
		errCode = "unknown-action"
	}

	if reply && s.autoReply != "" {
		if c := s.openChatLocked(); c != nil {
			s.operatorReplyLocked(c, s.autoReply)
		}
	}
	s.mu.Unlock()

	if errCode != "" {
		writeError(w, errCode)
		return
	}
	s.nudge()
	writeData(w, data)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.count(livechat.PathUpload)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, "file_size_exceeded")
		return
	}
	if !s.guard(w, r) {
		return
	}
	file, header, err := r.FormFile(livechat.UploadFieldName)
	if err != nil {
		writeError(w, "no-file")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, "no-file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = livechat.GuessMimeType(header.Filename)
	}
	item := livechat.FileItem{
		ContentType: contentType,
		Filename:    header.Filename,
		GUID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Size:        int64(len(content)),
	}
	if strings.HasPrefix(contentType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(content)); err == nil {
			item.Image = &struct {
				Size struct {
					Width  int `json:"width"`
					Height int `json:"height"`
				} `json:"size"`
			}{}
			item.Image.Size.Width = cfg.Width
			item.Image.Size.Height = cfg.Height
		}
	}
	text, _ := json.Marshal(item)

	s.mu.Lock()
	if s.failCode != "" {
		code := s.failCode
		s.mu.Unlock()
		writeError(w, code)
		return
	}
	var c *livechat.ChatItem
	offline := r.FormValue("chat-mode") == "offline"
	if id := r.FormValue("chat-id"); id != "" {
		c = s.findChatLocked(id)
	} else if !offline {
		c = s.openChatLocked()
	}
	if c == nil {
		c = s.newChatLocked(r.FormValue("chat-client-side-id"), string(livechat.ChatStateQueue))
		c.Offline = offline
		if !offline {
			s.state = string(livechat.StateChat)
		}
	}
	s.files[item.GUID] = storedFile{filename: item.Filename, contentType: contentType, data: content}
	m := s.addMessageLocked(c, livechat.MessageItem{
		ClientSideID: r.FormValue("client-side-id"),
		Kind:         string(livechat.MessageFileFromVisitor),
		Text:         string(text),
	})
	s.mu.Unlock()

	s.nudge()
	writeData(w, map[string]any{"message": m})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.count(livechat.PathDownload)
	guid := chi.URLParam(r, "guid")

	s.mu.Lock()
	f, ok := s.files[guid]
	token := s.authToken
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if hash := r.URL.Query().Get("hash"); hash != "" && !livechat.VerifyAttachmentSignature(guid, hash, token) {
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", f.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.data)))
	_, _ = w.Write(f.data)
}
