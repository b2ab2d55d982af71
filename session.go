package livechat

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// Options
// ============================================================================

type sessionOptions struct {
	transport Transport
	host      string
	store     Store
	delegate  Delegate
	log       *slog.Logger
	exec      Executor
	visitor   *Visitor
}

// SessionOption configures a Session or an OfflineSession.
type SessionOption func(*sessionOptions)

// WithTransport sets the backend transport. Client implements it.
func WithTransport(t Transport) SessionOption {
	return func(o *sessionOptions) { o.transport = t }
}

// WithHost sets the server URL attachment URLs are built against.
func WithHost(host string) SessionOption {
	return func(o *sessionOptions) { o.host = host }
}

// WithStore persists client data between process restarts.
func WithStore(s Store) SessionOption {
	return func(o *sessionOptions) { o.store = s }
}

// WithDelegate registers the event receiver.
func WithDelegate(d Delegate) SessionOption {
	return func(o *sessionOptions) { o.delegate = d }
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.log = l }
}

// WithExecutor sets where delegate events and future callbacks run.
// Post must queue fn and return; it must not run fn before returning.
func WithExecutor(e Executor) SessionOption {
	return func(o *sessionOptions) { o.exec = e }
}

// WithVisitor identifies the end user. Without it the server treats the
// device as an anonymous visitor.
func WithVisitor(v *Visitor) SessionOption {
	return func(o *sessionOptions) { o.visitor = v.clone() }
}

func buildOptions(opts []SessionOption) (*sessionOptions, *SerialExecutor, error) {
	o := &sessionOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil {
		return nil, nil, newError(KindNotConfigured, "new session", errors.New("transport is required"))
	}
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}
	var own *SerialExecutor
	if o.exec == nil {
		own = &SerialExecutor{q: newTaskQueue(1, o.log)}
		o.exec = own
	}
	return o, own, nil
}

// ============================================================================
// State machine
// ============================================================================

// sessionEdges lists the legal one-step transitions.
var sessionEdges = map[SessionState][]SessionState{
	StateUnknown:        {StateIdle},
	StateIdle:           {StateChat, StateOfflineMessage},
	StateChat:           {StateIdle, StateIdleAfterChat},
	StateIdleAfterChat:  {StateIdle},
	StateOfflineMessage: {StateIdle},
}

// CanTransition reports whether from → to is a legal single step.
func CanTransition(from, to SessionState) bool {
	for _, s := range sessionEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionPath returns the states passed through on the way from → to:
// one step when the edge exists, two when both hops through Idle exist.
// It returns nil when to is unreachable or equal to from.
func transitionPath(from, to SessionState) []SessionState {
	switch {
	case from == to:
		return nil
	case CanTransition(from, to):
		return []SessionState{to}
	case from != StateIdle && CanTransition(from, StateIdle) && CanTransition(StateIdle, to):
		return []SessionState{StateIdle, to}
	}
	return nil
}

// ============================================================================
// Session
// ============================================================================

// Session keeps one visitor's chat synchronized with the server.
//
// Verbs return immediately; network work runs on a worker pool and
// reports through futures and the Delegate. Accessors return copies.
type Session struct {
	cfg       Config
	transport Transport
	host      string
	store     Store
	log       *slog.Logger
	exec      Executor
	ownExec   *SerialExecutor
	pool      *workerPool
	disp      *dispatcher
	wake      chan struct{}

	mu           sync.Mutex
	delegate     Delegate
	state        SessionState
	conn         ConnectionStatus
	online       OnlineStatus
	chats        []*Chat
	current      string // Key of the current chat
	cursor       int64
	visitor      *Visitor
	pageID       string
	authToken    string
	visitSession string
	hints        bool
	fatal        *Error
	starting     bool
	closed       bool
	gen          uint64
	runCtx       context.Context // cancelled by Stop
	cancel       context.CancelFunc
}

// NewSession creates a stopped session. Call Start to connect.
func NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o, own, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:       cfg,
		transport: o.transport,
		host:      o.host,
		store:     o.store,
		log:       o.log.With("component", "session", "account", cfg.AccountName),
		exec:      o.exec,
		ownExec:   own,
		delegate:  o.delegate,
		visitor:   o.visitor,
		state:     StateUnknown,
		conn:      ConnectionUnknown,
		online:    OnlineStatusUnknown,
		wake:      make(chan struct{}, 1),
	}
	s.pool = newWorkerPool(cfg.Workers, s.log)
	s.disp = newDispatcher(&s.cfg, s.log)
	return s, nil
}

// SetDelegate replaces the event receiver. nil deregisters it; events
// already queued are still delivered to the previous receiver.
func (s *Session) SetDelegate(d Delegate) {
	s.mu.Lock()
	s.delegate = d
	s.mu.Unlock()
}

// emitLocked queues events for the delegate in order. s.mu must be held.
func (s *Session) emitLocked(evs []event) {
	d := s.delegate
	if d == nil || len(evs) == 0 || s.closed {
		return
	}
	s.exec.Post(func() {
		for _, ev := range evs {
			ev(d)
		}
	})
}

// checkLocked returns the error every verb fails with in the current state.
func (s *Session) checkLocked(op string) error {
	switch {
	case s.closed:
		return newError(KindUnknown, op, errClosed)
	case s.fatal != nil:
		return withOp(op, ErrReinitRequired)
	case s.state == StateUnknown:
		return newError(KindNotConfigured, op, errors.New("session not started"))
	}
	return nil
}

// moveLocked walks the state machine towards to and records the events.
func (s *Session) moveLocked(to SessionState, evs *[]event) bool {
	path := transitionPath(s.state, to)
	if path == nil {
		if s.state != to {
			s.log.Warn("ignoring illegal session state transition", "state", s.state, "to", to)
		}
		return false
	}
	for _, next := range path {
		prev := s.state
		s.state = next
		s.log.Debug("session state changed", "state", next, "prev", prev)
		*evs = append(*evs, stateChanged(prev, next))
	}
	return true
}

func (s *Session) setConnectionLocked(status ConnectionStatus, evs *[]event) {
	if s.conn == status {
		return
	}
	s.conn = status
	*evs = append(*evs, connectionChanged(status))
}

func (s *Session) setOnlineStatusLocked(wire string, evs *[]event) {
	if wire == "" {
		return
	}
	status := ParseOnlineStatus(wire)
	if status == s.online {
		return
	}
	prev := s.online
	s.online = status
	*evs = append(*evs, onlineStatusChanged(prev, status))
}

func (s *Session) setServerStateLocked(wire string, evs *[]event) {
	if wire == "" {
		return
	}
	state, ok := ParseSessionState(wire)
	if !ok {
		s.log.Warn("ignoring unknown session state", "state", wire)
		return
	}
	s.moveLocked(state, evs)
}

func (s *Session) chatLocked(handle string) *Chat {
	for _, c := range s.chats {
		if c.matches(handle) {
			return c
		}
	}
	return nil
}

func (s *Session) messageLocked(clientSideID string) (*Chat, *Message) {
	for _, c := range s.chats {
		for _, m := range c.Messages {
			if m.ClientSideID == clientSideID {
				return c, m
			}
		}
	}
	return nil, nil
}

// applyLocked installs a merge result and records what changed. Only
// history polls move the cursor.
func (s *Session) applyLocked(res *HistoryResult, advance bool, evs *[]event) {
	prev := make(map[string]*Chat, len(s.chats))
	for _, c := range s.chats {
		prev[c.Key()] = c
	}
	s.chats = res.Chats

	for _, c := range res.NewChats {
		if s.current == "" || !c.State.IsClosed() {
			s.current = c.Key()
		}
		*evs = append(*evs, chatStarted(c.clone()))
	}
	for _, c := range res.ModifiedChats {
		old := prev[c.Key()]
		if old == nil {
			continue
		}
		if old.State != c.State {
			*evs = append(*evs, chatStateChanged(c.clone(), old.State, c.State))
		}
		if old.OperatorTyping != c.OperatorTyping {
			*evs = append(*evs, operatorTyping(c.clone(), c.OperatorTyping))
		}
	}
	for _, c := range res.OperatorChanged {
		var was *Operator
		if old := prev[c.Key()]; old != nil {
			was = old.Operator
		}
		*evs = append(*evs, operatorUpdated(c.clone(), was, c.Operator))
	}
	for _, m := range res.NewMessages {
		if c := s.chatLocked(m.ChatID); c != nil {
			*evs = append(*evs, messageReceived(c.clone(), m.clone()))
		}
	}
	for _, m := range res.Reconciled {
		if c := s.chatLocked(m.ChatID); c != nil {
			*evs = append(*evs, messageUpdated(c.clone(), m.clone()))
		}
	}
	for _, m := range res.ChangedMessages {
		if c := s.chatLocked(m.ChatID); c != nil {
			*evs = append(*evs, messageUpdated(c.clone(), m.clone()))
		}
	}
	for _, m := range res.DeletedMessages {
		if c := s.chatLocked(m.ChatID); c != nil {
			*evs = append(*evs, messageDeleted(c.clone(), m.clone()))
		}
	}
	for _, m := range res.Orphans {
		s.log.Debug("dropping message for unknown chat", "chat_id", m.ChatID, "message_id", m.ID)
	}

	if advance && res.Cursor > s.cursor {
		s.cursor = res.Cursor
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start opens the visit session: it restores persisted client data, asks
// the server for a full update and starts the history poll. On failure
// the session stays Unknown; retrying is up to the caller.
func (s *Session) Start() *Operation {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, newError(KindUnknown, "start", errClosed))
	case s.fatal != nil:
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, withOp("start", ErrReinitRequired))
	case s.starting:
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, newError(KindUnknown, "start", errors.New("already starting")))
	case s.state != StateUnknown:
		s.mu.Unlock()
		f := newFuture[struct{}](s.exec)
		f.complete(struct{}{}, nil)
		return f
	}
	s.starting = true
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.runCtx, s.cancel = ctx, cancel
	s.mu.Unlock()

	f := newFuture[struct{}](s.exec)
	if !s.pool.submit(func() { f.complete(struct{}{}, s.start(ctx, gen)) }) {
		cancel()
		f.complete(struct{}{}, newError(KindUnknown, "start", errClosed))
	}
	return f
}

func (s *Session) userID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visitor == nil {
		return ""
	}
	return s.visitor.ID
}

func (s *Session) start(ctx context.Context, gen uint64) error {
	const op = "start"
	saved := s.restore(ctx)

	err := s.initialize(ctx, gen, op, saved)
	s.mu.Lock()
	if s.gen == gen {
		s.starting = false
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.persist(ctx)
	go s.pollLoop(ctx, gen)
	if s.cfg.Push {
		if s.host == "" {
			s.log.Warn("push disabled: no host configured")
			return nil
		}
		s.mu.Lock()
		params := url.Values{"page-id": {s.pageID}, "auth-token": {s.authToken}}
		s.mu.Unlock()
		push := newPushChannel(s.host, params, s.log, s.PollNow)
		go push.run(ctx)
	}
	return nil
}

// restore migrates and loads persisted client data. Store failures are
// logged; the session then starts fresh.
func (s *Session) restore(ctx context.Context) *ClientData {
	if s.store == nil {
		return nil
	}
	userID := s.userID()
	if moved, err := MigrateClientData(ctx, s.store, s.cfg.AccountName, userID); err != nil {
		s.log.Warn("client data migration failed", "err", err)
	} else if moved {
		s.log.Info("migrated client data to per-user key")
	}
	data, err := LoadClientData(ctx, s.store, s.cfg.AccountName, userID)
	if err != nil {
		s.log.Warn("ignoring unreadable client data", "err", err)
		return nil
	}
	if data != nil {
		s.mu.Lock()
		if s.visitor == nil {
			s.visitor = data.Visitor.clone()
		}
		s.mu.Unlock()
	}
	return data
}

// initialize requests the full update and applies it.
func (s *Session) initialize(ctx context.Context, gen uint64, op string, saved *ClientData) error {
	params := url.Values{
		"event":    {"init"},
		"location": {s.cfg.Location},
		"platform": {s.cfg.Platform},
		"since":    {"0"},
	}
	if s.cfg.DeviceID != "" {
		params.Set("device-id", s.cfg.DeviceID)
	}
	if s.cfg.AppVersion != "" {
		params.Set("app-version", s.cfg.AppVersion)
	}
	s.mu.Lock()
	if s.visitor != nil {
		raw, err := json.Marshal(s.visitor)
		if err != nil {
			s.mu.Unlock()
			return newError(KindVisitorNotSet, op, fmt.Errorf("failed to marshal visitor: %w", err))
		}
		params.Set("visitor", string(raw))
	}
	s.mu.Unlock()
	if saved != nil && saved.VisitSessionID != "" {
		params.Set("visit-session-id", saved.VisitSessionID)
		params.Set("page-id", saved.PageID)
		params.Set("auth-token", saved.AuthToken)
	}

	data, err := s.transport.Do(ctx, &Request{Method: http.MethodGet, Path: PathDelta, Params: params})
	if err != nil {
		return s.fail(op, err)
	}
	full, err := decodeJSON[FullUpdate](data)
	if err != nil {
		e := withOp(op, err)
		s.restartRequired(ctx, e)
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return newError(KindUnknown, op, errors.New("session stopped"))
	}
	var evs []event
	s.setConnectionLocked(ConnectionOnline, &evs)
	s.pageID = full.PageID
	s.authToken = full.AuthToken
	s.hints = full.HintsEnabled
	if full.Visitor != nil {
		s.visitor = full.Visitor.clone()
	}
	if s.visitSession != "" && s.visitSession != full.VisitSessionID {
		s.chats = nil
		s.current = ""
		s.cursor = 0
	}
	if saved != nil && saved.VisitSessionID != "" && saved.VisitSessionID == full.VisitSessionID && saved.Cursor > s.cursor {
		s.cursor = saved.Cursor
	}
	s.visitSession = full.VisitSessionID

	s.moveLocked(StateIdle, &evs)
	if full.Chat != nil {
		res := ProcessHistory(&HistoryPayload{Chats: []ChatItem{*full.Chat}}, s.chats)
		s.applyLocked(res, true, &evs)
		if c := s.chatLocked(string(full.Chat.ID)); c != nil {
			s.current = c.Key()
		}
	}
	s.setServerStateLocked(full.State, &evs)
	s.setOnlineStatusLocked(full.OnlineStatus, &evs)

	var current *Chat
	if c := s.chatLocked(s.current); c != nil {
		current = c.clone()
	}
	evs = append(evs, fullUpdate(current))
	s.log.Info("session started", "state", s.state, "cursor", s.cursor)
	s.emitLocked(evs)
	return nil
}

// Stop cancels the history poll and requests that can be abandoned, and
// resets the session to Unknown. Sends already handed to the transport
// complete normally. Start may be called again.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.starting = false
	s.chats = nil
	s.current = ""
	s.cursor = 0
	s.visitSession = ""

	var evs []event
	if s.state != StateUnknown {
		prev := s.state
		s.state = StateUnknown
		evs = append(evs, stateChanged(prev, StateUnknown))
	}
	s.setConnectionLocked(ConnectionUnknown, &evs)
	s.emitLocked(evs)
}

// Close stops the session and releases its goroutines. A closed session
// cannot be restarted.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.closed = true
	s.mu.Unlock()

	s.pool.close()
	if s.ownExec != nil {
		s.ownExec.q.close(false)
	}
}

// ============================================================================
// Failure handling
// ============================================================================

// fail classifies a failed request, updates session-wide state and returns
// the error scoped to op.
func (s *Session) fail(op string, err error) *Error {
	e := withOp(op, err)
	s.observe(e)
	return e
}

func (s *Session) observe(e *Error) {
	if e.Kind.Fatal() {
		s.restartRequired(context.Background(), e)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var evs []event
	if e.Kind == KindNetworkError {
		s.setConnectionLocked(ConnectionOffline, &evs)
	}
	if e.Kind.SessionWide() {
		evs = append(evs, errorReceived(e))
	}
	s.emitLocked(evs)
}

// restartRequired moves the session into its terminal state. It reports
// once and clears the persisted visit session, keeping the visitor.
func (s *Session) restartRequired(ctx context.Context, e *Error) {
	s.mu.Lock()
	if s.fatal != nil {
		s.mu.Unlock()
		return
	}
	s.fatal = e
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.starting = false
	s.log.Error("session restart required", "err", e)
	s.emitLocked([]event{errorReceived(e), restartRequired(e)})
	visitor := s.visitor.clone()
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	userID := ""
	if visitor != nil {
		userID = visitor.ID
	}
	data := &ClientData{Visitor: visitor, UpdatedAt: time.Now()}
	if err := SaveClientData(ctx, s.store, s.cfg.AccountName, userID, data); err != nil {
		s.log.Warn("failed to clear visit session", "err", err)
	}
}

func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	if s.fatal != nil {
		s.mu.Unlock()
		return
	}
	data := &ClientData{
		Visitor:        s.visitor.clone(),
		VisitSessionID: s.visitSession,
		PageID:         s.pageID,
		AuthToken:      s.authToken,
		HintsEnabled:   s.hints,
		Cursor:         s.cursor,
		UpdatedAt:      time.Now(),
	}
	s.mu.Unlock()
	userID := ""
	if data.Visitor != nil {
		userID = data.Visitor.ID
	}
	if err := SaveClientData(context.WithoutCancel(ctx), s.store, s.cfg.AccountName, userID, data); err != nil {
		s.log.Warn("failed to persist client data", "err", err)
	}
}

// ============================================================================
// History poll
// ============================================================================

// PollNow wakes the history poll without waiting for the next tick.
func (s *Session) PollNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) pollLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if err := s.pollOnce(ctx, gen); err != nil && ctx.Err() == nil {
			s.log.Debug("history poll failed", "err", err)
		}
	}
}

// pollOnce fetches and applies history since the cursor.
func (s *Session) pollOnce(ctx context.Context, gen uint64) error {
	const op = "history"
	s.mu.Lock()
	if s.gen != gen || s.fatal != nil || s.state == StateUnknown {
		s.mu.Unlock()
		return nil
	}
	params := url.Values{
		"since":      {strconv.FormatInt(s.cursor, 10)},
		"page-id":    {s.pageID},
		"auth-token": {s.authToken},
	}
	s.mu.Unlock()

	data, err := s.transport.Do(ctx, &Request{Method: http.MethodGet, Path: PathHistory, Params: params})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(op, err)
	}
	payload, err := decodeJSON[HistoryPayload](data)
	if err != nil {
		e := withOp(op, err)
		s.restartRequired(ctx, e)
		return e
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	var evs []event
	s.setConnectionLocked(ConnectionOnline, &evs)
	before := s.cursor
	if !payload.IsEmpty() {
		s.applyLocked(ProcessHistory(payload, s.chats), true, &evs)
	}
	s.setServerStateLocked(payload.State, &evs)
	s.setOnlineStatusLocked(payload.OnlineStatus, &evs)
	advanced := s.cursor != before
	s.emitLocked(evs)
	s.mu.Unlock()

	if advanced {
		s.log.Debug("history cursor advanced", "cursor", s.Cursor())
		s.persist(ctx)
	}
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ConnectionStatus() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// OnlineStatus is the availability of the support side.
func (s *Session) OnlineStatus() OnlineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// CurrentChat returns a copy of the current chat, or nil.
func (s *Session) CurrentChat() *Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.chatLocked(s.current); c != nil {
		return c.clone()
	}
	return nil
}

// Chats returns copies of every chat seen since Start.
func (s *Session) Chats() []*Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneChats(s.chats)
}

// Cursor is the history cursor in microseconds.
func (s *Session) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) Visitor() *Visitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visitor.clone()
}

// HintsEnabled reports whether the server offers hint questions.
func (s *Session) HintsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hints
}

// ChatForMessage returns a copy of the chat owning msg, or nil.
func (s *Session) ChatForMessage(msg *Message) *Chat {
	if msg == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.chatLocked(msg.ChatID); c != nil {
		return c.clone()
	}
	return nil
}

func (s *Session) attachmentAuth() AttachmentAuth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AttachmentAuth{PageID: s.pageID, AuthToken: s.authToken}
}

// AttachmentURL returns the download URL of a file message.
func (s *Session) AttachmentURL(msg *Message) (string, error) {
	return AttachmentURL(s.host, s.attachmentAuth(), msg)
}

// PreviewURL returns a thumbnail URL of an image message.
func (s *Session) PreviewURL(msg *Message, sizeKey string) (string, error) {
	return PreviewURL(s.host, s.attachmentAuth(), msg, sizeKey)
}

// ============================================================================
// Actions
// ============================================================================

// action queues a form POST to the action endpoint. Requests that may be
// abandoned run under the poll context and are cancelled by Stop.
func (s *Session) action(op string, params url.Values, abandonable bool, onOK func(data json.RawMessage) error) *Operation {
	s.mu.Lock()
	if err := s.checkLocked(op); err != nil {
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, err)
	}
	ctx := context.Background()
	if abandonable {
		ctx = s.runCtx
	}
	gen := s.gen
	s.mu.Unlock()

	f := newFuture[struct{}](s.exec)
	req := &Request{Method: http.MethodPost, Path: PathAction, Params: params}
	queued := s.pool.submit(func() {
		s.authorize(req)
		data, err := s.transport.Do(ctx, req)
		if !s.live(gen) {
			// Stopped meanwhile: settle the caller, leave the reset session alone.
			if err != nil {
				f.complete(struct{}{}, withOp(op, err))
			} else {
				f.complete(struct{}{}, nil)
			}
			return
		}
		if err != nil {
			f.complete(struct{}{}, s.fail(op, err))
			return
		}
		s.markOnline()
		if onOK != nil {
			if err := onOK(data); err != nil {
				f.complete(struct{}{}, withOp(op, err))
				return
			}
		}
		f.complete(struct{}{}, nil)
	})
	if !queued {
		f.complete(struct{}{}, newError(KindUnknown, op, errClosed))
	}
	return f
}

// live reports whether gen is still the current run of the session.
func (s *Session) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) markOnline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evs []event
	s.setConnectionLocked(ConnectionOnline, &evs)
	s.emitLocked(evs)
}

// StartChat asks the server for a new chat. It succeeds without a request
// when a chat is already running.
func (s *Session) StartChat() *Operation {
	const op = "start chat"
	s.mu.Lock()
	if err := s.checkLocked(op); err != nil {
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, err)
	}
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateChat:
		f := newFuture[struct{}](s.exec)
		f.complete(struct{}{}, nil)
		return f
	case StateIdle, StateIdleAfterChat:
	default:
		return failedFuture[struct{}](s.exec, errInvalidState(op, state))
	}

	id, err := s.disp.claimID(op, "")
	if err != nil {
		return failedFuture[struct{}](s.exec, err)
	}
	params := url.Values{"action": {"chat.start"}, "client-side-id": {id}}
	return s.action(op, params, false, func(data json.RawMessage) error {
		resp, err := decodeJSON[sendResponse](data)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		var evs []event
		if resp.Chat != nil {
			s.applyLocked(ProcessHistory(resp.payload(), s.chats), false, &evs)
		} else if s.chatLocked(id) == nil {
			c := &Chat{ClientSideID: id, State: ChatStateQueue}
			s.chats = append(s.chats, c)
			evs = append(evs, chatStarted(c.clone()))
		}
		if c := s.chatLocked(id); c != nil {
			s.current = c.Key()
		}
		s.moveLocked(StateChat, &evs)
		s.emitLocked(evs)
		return nil
	})
}

// CloseChat closes the current chat. Outside the Chat state it completes
// with a chat-not-found error and changes nothing.
func (s *Session) CloseChat() *Operation {
	const op = "close chat"
	s.mu.Lock()
	if err := s.checkLocked(op); err != nil {
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, err)
	}
	c := s.chatLocked(s.current)
	if s.state != StateChat || c == nil {
		state := s.state
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, newError(KindChatNotFound, op, fmt.Errorf("no active chat in state %s", state)))
	}
	key := c.Key()
	params := url.Values{"action": {"chat.close"}}
	if c.ID != "" {
		params.Set("chat-id", c.ID)
	}
	s.mu.Unlock()

	return s.action(op, params, false, func(json.RawMessage) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var evs []event
		if c := s.chatLocked(key); c != nil && !c.State.IsClosed() {
			prev := c.State
			c.State = ChatStateClosedByVisitor
			evs = append(evs, chatStateChanged(c.clone(), prev, c.State))
		}
		s.moveLocked(StateIdleAfterChat, &evs)
		s.emitLocked(evs)
		return nil
	})
}

// RateOperator rates an operator of the current chat from 1 to 5 stars.
// An empty operatorID rates the chat's current operator.
func (s *Session) RateOperator(operatorID string, stars int) *Operation {
	const op = "rate operator"
	if stars < 1 || stars > 5 {
		return failedFuture[struct{}](s.exec, newError(KindUnknown, op, fmt.Errorf("rating %d outside 1..5", stars)))
	}
	s.mu.Lock()
	if err := s.checkLocked(op); err != nil {
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, err)
	}
	c := s.chatLocked(s.current)
	if c == nil {
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, newError(KindChatNotFound, op, errors.New("no chat to rate")))
	}
	if operatorID == "" && c.Operator != nil {
		operatorID = c.Operator.ID
	}
	key := c.Key()
	s.mu.Unlock()
	if operatorID == "" {
		return failedFuture[struct{}](s.exec, newError(KindUnknown, op, errors.New("chat has no operator")))
	}

	rate := stars - 3
	params := url.Values{
		"action":      {"chat.operator_rate_select"},
		"operator_id": {operatorID},
		"rate":        {strconv.Itoa(rate)},
	}
	return s.action(op, params, false, func(json.RawMessage) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c := s.chatLocked(key); c != nil {
			if c.Ratings == nil {
				c.Ratings = make(map[string]int)
			}
			c.Ratings[operatorID] = rate
			if c.Operator != nil && c.Operator.ID == operatorID {
				c.ProposeRatingBeforeClose = false
			}
		}
		var evs []event
		if s.state == StateIdleAfterChat {
			s.moveLocked(StateIdle, &evs)
		}
		s.emitLocked(evs)
		return nil
	})
}

// SetVisitorTyping reports the visitor's draft. An empty draft means the
// visitor stopped typing.
func (s *Session) SetVisitorTyping(draft string) *Operation {
	params := url.Values{"action": {"chat.visitor_typing"}}
	if draft == "" {
		params.Set("typing", "false")
		params.Set("del-message-draft", "true")
	} else {
		params.Set("typing", "true")
		params.Set("message-draft", draft)
	}
	return s.action("visitor typing", params, true, nil)
}

// SetDeviceToken registers a binary push token, sent hex-encoded.
func (s *Session) SetDeviceToken(token []byte) *Operation {
	return s.SetDeviceTokenString(hex.EncodeToString(token))
}

// SetDeviceTokenString registers a push token.
func (s *Session) SetDeviceTokenString(token string) *Operation {
	params := url.Values{"action": {"set_push_token"}, "push-token": {token}}
	return s.action("set push token", params, false, nil)
}

// RefreshVisitor replaces the visitor identity and re-initializes the
// visit session with it.
func (s *Session) RefreshVisitor(v *Visitor) *Operation {
	const op = "refresh visitor"
	if v == nil {
		return failedFuture[struct{}](s.exec, newError(KindVisitorNotSet, op, errors.New("visitor is nil")))
	}
	s.mu.Lock()
	if err := s.checkLocked(op); err != nil {
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, err)
	}
	s.visitor = v.clone()
	gen := s.gen
	ctx := s.runCtx
	s.mu.Unlock()

	f := newFuture[struct{}](s.exec)
	queued := s.pool.submit(func() {
		err := s.initialize(ctx, gen, op, nil)
		if err == nil {
			s.persist(ctx)
		}
		f.complete(struct{}{}, err)
	})
	if !queued {
		f.complete(struct{}{}, newError(KindUnknown, op, errClosed))
	}
	return f
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage appends an optimistic visitor message to the current chat
// and sends it. Validation errors are returned before anything is queued.
func (s *Session) SendMessage(text string, opts *SendOptions) (*Pending, error) {
	const op = "send message"
	chatKey, err := s.sendTarget(op)
	if err != nil {
		return nil, err
	}
	out, err := s.disp.prepareText(op, chatKey, text, opts, nil)
	if err != nil {
		return nil, err
	}
	return s.disp.dispatch(s, out)
}

// SendFile uploads an attachment to the current chat. An empty
// contentType is guessed from the file name.
func (s *Session) SendFile(data []byte, filename, contentType string, opts *SendOptions) (*Pending, error) {
	const op = "send file"
	chatKey, err := s.sendTarget(op)
	if err != nil {
		return nil, err
	}
	out, err := s.disp.prepareFile(op, chatKey, data, filename, contentType, opts, url.Values{"chat-mode": {"online"}})
	if err != nil {
		return nil, err
	}
	return s.disp.dispatch(s, out)
}

func (s *Session) sendTarget(op string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(op); err != nil {
		return "", err
	}
	return s.current, nil
}

// ============================================================================
// Send host
// ============================================================================

func (s *Session) executor() Executor           { return s.exec }
func (s *Session) submit(fn func()) bool        { return s.pool.submit(fn) }
func (s *Session) backend() Transport           { return s.transport }
func (s *Session) sendContext() context.Context { return context.Background() }

func (s *Session) authorize(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Params == nil {
		req.Params = url.Values{}
	}
	req.Params.Set("page-id", s.pageID)
	req.Params.Set("auth-token", s.authToken)
}

func (s *Session) placeOptimistic(msg *Message, req *Request) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(""); err != nil {
		return 0, err
	}
	c := s.chatLocked(msg.ChatID)
	if c == nil || (c.State.IsClosed() && !c.IsPending()) {
		id, err := s.disp.claimID("", "")
		if err != nil {
			return 0, err
		}
		c = &Chat{ClientSideID: id, State: ChatStateQueue}
		s.chats = append(s.chats, c)
		s.current = id
		s.log.Debug("created pending chat", "chat_id", id)
	}
	if c.IsPending() {
		req.Params.Set("chat-client-side-id", c.ClientSideID)
	}
	msg.ChatID = c.Key()
	c.insertMessage(msg.clone())
	s.emitLocked([]event{messageReceived(c.clone(), msg.clone())})
	return s.gen, nil
}

func (s *Session) confirmed(gen uint64, clientSideID string, p *HistoryPayload) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil
	}
	var evs []event
	if !p.IsEmpty() {
		s.applyLocked(ProcessHistory(p, s.chats), false, &evs)
	}
	s.setConnectionLocked(ConnectionOnline, &evs)
	c, m := s.messageLocked(clientSideID)
	if m == nil {
		s.emitLocked(evs)
		return nil
	}
	if m.Status != StatusSent {
		m.Status = StatusSent
		m.FailureKind = ""
		evs = append(evs, messageUpdated(c.clone(), m.clone()))
	}
	s.emitLocked(evs)
	return m.clone()
}

func (s *Session) failed(gen uint64, clientSideID string, e *Error) *Message {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	var out *Message
	if c, m := s.messageLocked(clientSideID); m != nil {
		if m.Status == StatusSending {
			m.Status = StatusFailed
			m.FailureKind = e.Kind
			s.emitLocked([]event{messageUpdated(c.clone(), m.clone())})
		}
		out = m.clone()
	}
	s.mu.Unlock()
	if e.Err == nil || !errors.Is(e.Err, errClosed) {
		s.observe(e)
	}
	return out
}
