package livechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/LuminPulse-AI/livechat/sdk/golang/internal/codec"
)

// ============================================================================
// Offline Coordinator
// ============================================================================

// HistoryChanges is what one history pull changed in the appeal set.
type HistoryChanges struct {
	NewChats      []*Chat
	ModifiedChats []*Chat
	NewMessages   []*Message
	// ChangedMessages were edited on the server; DeletedMessages were
	// removed from their appeals.
	ChangedMessages []*Message
	DeletedMessages []*Message
	RemovedChats    []string // server ids of appeals dropped by a full snapshot
	Cursor          int64
}

// OfflineMessageOptions tunes an offline send.
type OfflineMessageOptions struct {
	SendOptions
	DepartmentKey string
	Subject       string
}

// appealSnapshot is the persisted form of the appeal set.
type appealSnapshot struct {
	Chats      []*Chat          `json:"chats"`
	Cursor     int64            `json:"cursor"`
	ReadMarks  map[string]int64 `json:"readMarks,omitempty"`
	Tombstones []string         `json:"tombstones,omitempty"`
	// DroppedPending lists client-side ids of appeals deleted before the
	// server confirmed them.
	DroppedPending []string `json:"droppedPending,omitempty"`
}

// OfflineSession manages a visitor's appeals without a live connection.
//
// The appeal set is guarded by one mutex held only while the in-memory
// collection changes, never across a request. Local read marks and
// deletions are remembered until the server reflects them, so a history
// pull racing with them cannot undo them.
type OfflineSession struct {
	cfg       Config
	transport Transport
	host      string
	store     Store
	log       *slog.Logger
	exec      Executor
	ownExec   *SerialExecutor
	pool      *workerPool
	disp      *dispatcher
	flight    singleflight.Group
	visitor   *Visitor

	mu         sync.Mutex
	appeals    map[string]*Chat // by server id
	pending    map[string]*Chat // by client-side id, until the server confirms
	cursor     int64
	readMarks  map[string]int64 // server id -> locally read until
	tombstones map[string]struct{}
	// droppedPending holds client-side ids of pending appeals deleted
	// locally; the appeal is deleted on the server once its id is known.
	droppedPending map[string]struct{}
	closed         bool
}

// NewOfflineSession creates an offline coordinator. Call Open to restore
// the persisted appeal set.
func NewOfflineSession(cfg Config, opts ...SessionOption) (*OfflineSession, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o, own, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &OfflineSession{
		cfg:        cfg,
		transport:  o.transport,
		host:       o.host,
		store:      o.store,
		log:        o.log.With("component", "offline", "account", cfg.AccountName),
		exec:       o.exec,
		ownExec:    own,
		visitor:    o.visitor,
		appeals:    make(map[string]*Chat),
		pending:    make(map[string]*Chat),
		readMarks:  make(map[string]int64),
		tombstones: make(map[string]struct{}),

		droppedPending: make(map[string]struct{}),
	}
	s.pool = newWorkerPool(cfg.Workers, s.log)
	s.disp = newDispatcher(&s.cfg, s.log)
	return s, nil
}

func (s *OfflineSession) userID() string {
	if s.visitor == nil {
		return ""
	}
	return s.visitor.ID
}

// Open restores the appeal set persisted by an earlier process.
func (s *OfflineSession) Open(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	blob, err := s.store.Load(ctx, appealsKey(s.cfg.AccountName, s.userID()))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load appeals: %w", err)
	}
	var snap appealSnapshot
	if err := codec.Unmarshal(blob, &snap); err != nil {
		return fmt.Errorf("failed to decode appeals: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.install(snap.Chats)
	s.cursor = snap.Cursor
	for id, ts := range snap.ReadMarks {
		s.readMarks[id] = ts
	}
	for _, id := range snap.Tombstones {
		s.tombstones[id] = struct{}{}
	}
	for _, id := range snap.DroppedPending {
		s.droppedPending[id] = struct{}{}
	}
	for _, c := range snap.Chats {
		s.disp.reserve(c.ClientSideID)
		for _, m := range c.Messages {
			s.disp.reserve(m.ClientSideID)
		}
	}
	s.log.Debug("restored appeals", "count", len(snap.Chats), "cursor", snap.Cursor)
	return nil
}

func (s *OfflineSession) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	snap := appealSnapshot{
		Chats:     s.snapshotLocked(),
		Cursor:    s.cursor,
		ReadMarks: make(map[string]int64, len(s.readMarks)),
	}
	for id, ts := range s.readMarks {
		snap.ReadMarks[id] = ts
	}
	for id := range s.tombstones {
		snap.Tombstones = append(snap.Tombstones, id)
	}
	for id := range s.droppedPending {
		snap.DroppedPending = append(snap.DroppedPending, id)
	}
	s.mu.Unlock()
	sort.Strings(snap.Tombstones)
	sort.Strings(snap.DroppedPending)

	blob, err := codec.MarshalCompressed(&snap)
	if err != nil {
		s.log.Warn("failed to encode appeals", "err", err)
		return
	}
	if err := s.store.Save(context.WithoutCancel(ctx), appealsKey(s.cfg.AccountName, s.userID()), blob); err != nil {
		s.log.Warn("failed to persist appeals", "err", err)
	}
}

// snapshotLocked returns the live appeal pointers ordered by key.
func (s *OfflineSession) snapshotLocked() []*Chat {
	out := make([]*Chat, 0, len(s.appeals)+len(s.pending))
	for _, c := range s.appeals {
		out = append(out, c)
	}
	for _, c := range s.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// install replaces the appeal set with chats.
func (s *OfflineSession) install(chats []*Chat) {
	s.appeals = make(map[string]*Chat, len(chats))
	s.pending = make(map[string]*Chat)
	for _, c := range chats {
		if c.IsPending() {
			s.pending[c.ClientSideID] = c
		} else {
			s.appeals[c.ID] = c
		}
	}
}

func (s *OfflineSession) findLocked(handle string) *Chat {
	if c, ok := s.appeals[handle]; ok {
		return c
	}
	if c, ok := s.pending[handle]; ok {
		return c
	}
	for _, c := range s.appeals {
		if c.matches(handle) {
			return c
		}
	}
	return nil
}

// ============================================================================
// History pulls
// ============================================================================

// GetHistory pulls history for every appeal: a full snapshot when forced,
// otherwise the changes since the last pull. Concurrent pulls of the same
// kind share one request and one result.
func (s *OfflineSession) GetHistory(forced bool) *Future[*HistoryChanges] {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return failedFuture[*HistoryChanges](s.exec, newError(KindUnknown, "get history", errClosed))
	}

	key := "incremental"
	if forced {
		key = "forced"
	}
	f := newFuture[*HistoryChanges](s.exec)
	ch := s.flight.DoChan(key, func() (any, error) {
		type result struct {
			changes *HistoryChanges
			err     error
		}
		done := make(chan result, 1)
		if !s.pool.submit(func() {
			c, err := s.pull(context.Background(), forced)
			done <- result{c, err}
		}) {
			return nil, newError(KindUnknown, "get history", errClosed)
		}
		r := <-done
		return r.changes, r.err
	})
	go func() {
		r := <-ch
		changes, _ := r.Val.(*HistoryChanges)
		f.complete(changes, r.Err)
	}()
	return f
}

func (s *OfflineSession) pull(ctx context.Context, forced bool) (*HistoryChanges, error) {
	const op = "get history"
	s.mu.Lock()
	since := s.cursor
	s.mu.Unlock()
	if forced {
		since = 0
	}

	req := &Request{
		Method: http.MethodGet,
		Path:   PathHistory,
		Params: url.Values{"since": {strconv.FormatInt(since, 10)}, "chat-mode": {"offline"}},
	}
	s.authorize(req)
	data, err := s.transport.Do(ctx, req)
	if err != nil {
		return nil, withOp(op, err)
	}
	payload, err := decodeJSON[HistoryPayload](data)
	if err != nil {
		return nil, withOp(op, err)
	}

	s.mu.Lock()
	changes, deletes := s.mergeLocked(payload, forced)
	s.mu.Unlock()
	s.deleteOnServer(deletes)

	s.log.Debug("history pulled", "forced", forced, "new", len(changes.NewChats),
		"modified", len(changes.ModifiedChats), "removed", len(changes.RemovedChats), "cursor", changes.Cursor)
	s.persist(ctx)
	return changes, nil
}

// mergeLocked folds a pulled payload into the current appeal set. The
// current set is read under the same lock hold that installs the result,
// so local mutations made while the request was in flight are kept. It
// also returns the server ids of locally deleted appeals that still have
// to be deleted on the server.
func (s *OfflineSession) mergeLocked(p *HistoryPayload, forced bool) (*HistoryChanges, []string) {
	res := ProcessHistory(p, s.snapshotLocked())
	changes := &HistoryChanges{}
	chats, deletes := s.adoptDroppedLocked(res.Chats)

	readByServer := make(map[string]bool)
	inSnapshot := make(map[string]bool)
	for i := range p.Chats {
		id := string(p.Chats[i].ID)
		inSnapshot[id] = true
		if p.Chats[i].ReadByVisitor {
			readByServer[id] = true
		}
	}

	var kept []*Chat
	live := make(map[*Chat]bool)
	for _, c := range chats {
		_, deleted := s.tombstones[c.ID]
		switch {
		case c.ID != "" && deleted:
		case forced && c.ID != "" && !inSnapshot[c.ID]:
			changes.RemovedChats = append(changes.RemovedChats, c.ID)
		default:
			kept = append(kept, c)
			live[c] = true
		}
	}
	if forced {
		for id := range s.tombstones {
			if !inSnapshot[id] && !slices.Contains(deletes, id) {
				delete(s.tombstones, id)
			}
		}
	}

	for id, ts := range s.readMarks {
		var c *Chat
		for _, k := range kept {
			if k.ID == id {
				c = k
				break
			}
		}
		if c == nil || readByServer[id] {
			delete(s.readMarks, id)
			continue
		}
		c.HasUnreadMessages = false
		c.UnreadCount = 0
		if ts > c.VisitorReadUntil {
			c.VisitorReadUntil = ts
		}
	}

	s.install(kept)
	if res.Cursor > s.cursor {
		s.cursor = res.Cursor
	}
	changes.Cursor = s.cursor

	for _, c := range res.NewChats {
		if live[c] {
			changes.NewChats = append(changes.NewChats, c.clone())
		}
	}
	for _, c := range res.ModifiedChats {
		if live[c] {
			changes.ModifiedChats = append(changes.ModifiedChats, c.clone())
		}
	}
	for _, m := range res.NewMessages {
		if s.findLocked(m.ChatID) != nil {
			changes.NewMessages = append(changes.NewMessages, m.clone())
		}
	}
	for _, m := range res.ChangedMessages {
		if s.findLocked(m.ChatID) != nil {
			changes.ChangedMessages = append(changes.ChangedMessages, m.clone())
		}
	}
	for _, m := range res.DeletedMessages {
		if s.findLocked(m.ChatID) != nil {
			changes.DeletedMessages = append(changes.DeletedMessages, m.clone())
		}
	}
	return changes, deletes
}

// adoptDroppedLocked filters out appeals whose pending original was
// deleted locally. Those that now carry a server id are tombstoned and
// their ids returned for deletion on the server.
func (s *OfflineSession) adoptDroppedLocked(chats []*Chat) (kept []*Chat, deletes []string) {
	for _, c := range chats {
		if _, gone := s.droppedPending[c.ClientSideID]; !gone || c.ClientSideID == "" {
			kept = append(kept, c)
			continue
		}
		if c.ID != "" {
			delete(s.droppedPending, c.ClientSideID)
			delete(s.readMarks, c.ID)
			s.tombstones[c.ID] = struct{}{}
			deletes = append(deletes, c.ID)
		}
	}
	return kept, deletes
}

// deleteOnServer sends the deletions of appeals removed locally before
// the server knew their ids.
func (s *OfflineSession) deleteOnServer(ids []string) {
	for _, id := range ids {
		s.log.Debug("deleting confirmed appeal", "chat_id", id)
		s.submitAction("delete chat", url.Values{"action": {"chat.delete"}, "chat-id": {id}})
	}
}

// ============================================================================
// Local-first mutations
// ============================================================================

// submitAction queues a POST to the action endpoint.
func (s *OfflineSession) submitAction(op string, params url.Values) *Operation {
	f := newFuture[struct{}](s.exec)
	req := &Request{Method: http.MethodPost, Path: PathAction, Params: params}
	queued := s.pool.submit(func() {
		s.authorize(req)
		if _, err := s.transport.Do(context.Background(), req); err != nil {
			e := withOp(op, err)
			s.log.Warn("offline action failed, keeping local change", "op", op, "err", e)
			f.complete(struct{}{}, e)
			return
		}
		f.complete(struct{}{}, nil)
	})
	if !queued {
		f.complete(struct{}{}, newError(KindUnknown, op, errClosed))
	}
	return f
}

// DeleteChat removes an appeal locally, then asks the server to delete it.
// The local removal stands when the request fails.
func (s *OfflineSession) DeleteChat(id string) *Operation {
	const op = "delete chat"
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, newError(KindUnknown, op, errClosed))
	}
	c := s.findLocked(id)
	if c == nil {
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, newError(KindChatNotFound, op, fmt.Errorf("no appeal %q", id)))
	}
	delete(s.appeals, c.ID)
	delete(s.pending, c.ClientSideID)
	delete(s.readMarks, c.ID)
	serverID := c.ID
	if serverID != "" {
		s.tombstones[serverID] = struct{}{}
	} else {
		s.droppedPending[c.ClientSideID] = struct{}{}
	}
	s.mu.Unlock()
	s.persist(context.Background())

	if serverID == "" {
		f := newFuture[struct{}](s.exec)
		f.complete(struct{}{}, nil)
		return f
	}
	return s.submitAction(op, url.Values{"action": {"chat.delete"}, "chat-id": {serverID}})
}

// MarkChatAsRead marks an appeal read locally, then tells the server.
// The local mark stands when the request fails.
func (s *OfflineSession) MarkChatAsRead(id string) *Operation {
	const op = "mark chat read"
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, newError(KindUnknown, op, errClosed))
	}
	c := s.findLocked(id)
	if c == nil {
		s.mu.Unlock()
		return failedFuture[struct{}](s.exec, newError(KindChatNotFound, op, fmt.Errorf("no appeal %q", id)))
	}
	ts := time.Now().UnixMicro()
	if last := c.LastMessage(); last != nil && last.Timestamp > ts {
		ts = last.Timestamp
	}
	c.HasUnreadMessages = false
	c.UnreadCount = 0
	if ts > c.VisitorReadUntil {
		c.VisitorReadUntil = ts
	}
	serverID := c.ID
	if serverID != "" {
		s.readMarks[serverID] = c.VisitorReadUntil
	}
	s.mu.Unlock()
	s.persist(context.Background())

	if serverID == "" {
		f := newFuture[struct{}](s.exec)
		f.complete(struct{}{}, nil)
		return f
	}
	return s.submitAction(op, url.Values{"action": {"chat.read_by_visitor"}, "chat-id": {serverID}})
}

// SendMessage adds a message to an appeal, or opens a new appeal when
// chatID is empty.
func (s *OfflineSession) SendMessage(text, chatID string, opts *OfflineMessageOptions) (*Pending, error) {
	const op = "send offline message"
	if err := s.checkSend(op, chatID); err != nil {
		return nil, err
	}
	var send *SendOptions
	if opts != nil {
		send = &opts.SendOptions
	}
	out, err := s.disp.prepareText(op, chatID, text, send, s.offlineParams(opts))
	if err != nil {
		return nil, err
	}
	return s.disp.dispatch(s, out)
}

// SendFile uploads an attachment to an appeal, or to a new appeal when
// chatID is empty.
func (s *OfflineSession) SendFile(data []byte, filename, contentType, chatID string, opts *OfflineMessageOptions) (*Pending, error) {
	const op = "send offline file"
	if err := s.checkSend(op, chatID); err != nil {
		return nil, err
	}
	var send *SendOptions
	if opts != nil {
		send = &opts.SendOptions
	}
	params := s.offlineParams(opts)
	params.Del("action")
	params.Set("chat-mode", "offline")
	out, err := s.disp.prepareFile(op, chatID, data, filename, contentType, send, params)
	if err != nil {
		return nil, err
	}
	return s.disp.dispatch(s, out)
}

func (s *OfflineSession) checkSend(op, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(KindUnknown, op, errClosed)
	}
	if chatID != "" && s.findLocked(chatID) == nil {
		return newError(KindChatNotFound, op, fmt.Errorf("no appeal %q", chatID))
	}
	return nil
}

func (s *OfflineSession) offlineParams(opts *OfflineMessageOptions) url.Values {
	params := url.Values{"action": {"chat.offline_message"}}
	if opts != nil {
		if opts.DepartmentKey != "" {
			params.Set("department-key", opts.DepartmentKey)
		}
		if opts.Subject != "" {
			params.Set("subject", opts.Subject)
		}
	}
	return params
}

// ============================================================================
// Send host
// ============================================================================

func (s *OfflineSession) executor() Executor           { return s.exec }
func (s *OfflineSession) submit(fn func()) bool        { return s.pool.submit(fn) }
func (s *OfflineSession) backend() Transport           { return s.transport }
func (s *OfflineSession) sendContext() context.Context { return context.Background() }

// authorize identifies the visitor and device; offline requests carry no
// visit session.
func (s *OfflineSession) authorize(req *Request) {
	if req.Params == nil {
		req.Params = url.Values{}
	}
	req.Params.Set("platform", s.cfg.Platform)
	req.Params.Set("location", s.cfg.Location)
	if s.cfg.DeviceID != "" {
		req.Params.Set("device-id", s.cfg.DeviceID)
	}
	if s.visitor != nil {
		if raw, err := json.Marshal(s.visitor); err == nil {
			req.Params.Set("visitor", string(raw))
		}
	}
}

// placeOptimistic has no generation to report: an offline session is
// never reset.
func (s *OfflineSession) placeOptimistic(msg *Message, req *Request) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c *Chat
	if msg.ChatID != "" {
		if c = s.findLocked(msg.ChatID); c == nil {
			return 0, newError(KindChatNotFound, "", fmt.Errorf("no appeal %q", msg.ChatID))
		}
	} else {
		id, err := s.disp.claimID("", "")
		if err != nil {
			return 0, err
		}
		c = &Chat{ClientSideID: id, State: ChatStateQueue, Offline: true, CreatedAt: msg.Timestamp}
		if subject := req.Params.Get("subject"); subject != "" {
			c.Subject = subject
		}
		s.pending[id] = c
	}
	if c.IsPending() {
		req.Params.Set("chat-client-side-id", c.ClientSideID)
	} else {
		req.Params.Set("chat-id", c.ID)
	}
	msg.ChatID = c.Key()
	c.insertMessage(msg.clone())
	if msg.Timestamp > c.ModifiedAt {
		c.ModifiedAt = msg.Timestamp
	}
	return 0, nil
}

func (s *OfflineSession) confirmed(_ uint64, clientSideID string, p *HistoryPayload) *Message {
	s.mu.Lock()
	var deletes []string
	if !p.IsEmpty() {
		res := ProcessHistory(p, s.snapshotLocked())
		var kept []*Chat
		kept, deletes = s.adoptDroppedLocked(res.Chats)
		s.install(kept)
	}
	var out *Message
	for _, c := range s.snapshotLocked() {
		if m := c.Message(clientSideID); m != nil {
			if m.Status != StatusSent {
				m.Status = StatusSent
				m.FailureKind = ""
			}
			out = m.clone()
			break
		}
	}
	s.mu.Unlock()
	s.persist(context.Background())
	s.deleteOnServer(deletes)
	return out
}

func (s *OfflineSession) failed(_ uint64, clientSideID string, e *Error) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.snapshotLocked() {
		if m := c.Message(clientSideID); m != nil {
			if m.Status == StatusSending {
				m.Status = StatusFailed
				m.FailureKind = e.Kind
			}
			return m.clone()
		}
	}
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

// Appeals returns copies of every appeal, most recently active first.
func (s *OfflineSession) Appeals() []*Chat {
	s.mu.Lock()
	chats := cloneChats(s.snapshotLocked())
	s.mu.Unlock()
	sort.SliceStable(chats, func(i, j int) bool {
		return activity(chats[i]) > activity(chats[j])
	})
	return chats
}

func activity(c *Chat) int64 {
	ts := c.ModifiedAt
	if last := c.LastMessage(); last != nil && last.Timestamp > ts {
		ts = last.Timestamp
	}
	return ts
}

// Appeal returns a copy of one appeal by server or client-side id, or nil.
func (s *OfflineSession) Appeal(id string) *Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findLocked(id); c != nil {
		return c.clone()
	}
	return nil
}

// ChatForMessage returns a copy of the appeal owning msg, or nil.
func (s *OfflineSession) ChatForMessage(msg *Message) *Chat {
	if msg == nil {
		return nil
	}
	return s.Appeal(msg.ChatID)
}

// Cursor is the history cursor in microseconds.
func (s *OfflineSession) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// AttachmentURL returns the download URL of a file message.
func (s *OfflineSession) AttachmentURL(msg *Message) (string, error) {
	return AttachmentURL(s.host, AttachmentAuth{}, msg)
}

// Close releases the coordinator's goroutines. Queued requests still run.
func (s *OfflineSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.pool.close()
	if s.ownExec != nil {
		s.ownExec.q.close(false)
	}
}
