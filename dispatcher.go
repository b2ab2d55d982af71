package livechat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ============================================================================
// Message Dispatcher
// ============================================================================

// SendOptions tunes a message send.
type SendOptions struct {
	// ClientSideID overrides the generated correlation id. It must not
	// have been used before in the same session.
	ClientSideID string
	// HintQuestion marks a message picked from suggested prompts.
	HintQuestion bool
	// Data is attached to the message as JSON.
	Data map[string]any
}

// sendHost is the owner of the chats a dispatcher writes into: the
// realtime Session or the offline appeal set.
type sendHost interface {
	executor() Executor
	submit(fn func()) bool
	backend() Transport
	// sendContext is the context outbound sends run under. Stopping a
	// session does not cancel sends already handed to the transport.
	sendContext() context.Context
	authorize(req *Request)
	// placeOptimistic adds a copy of msg to the chat identified by
	// msg.ChatID, creating a pending chat when there is none. It may add
	// parameters identifying that chat to req. The returned generation is
	// handed back to confirmed and failed.
	placeOptimistic(msg *Message, req *Request) (uint64, error)
	// confirmed applies the server's answer and returns the message as
	// it now stands, or nil when the host no longer holds it.
	confirmed(gen uint64, clientSideID string, p *HistoryPayload) *Message
	// failed marks the optimistic entry failed. It returns nil when the
	// host no longer holds it.
	failed(gen uint64, clientSideID string, err *Error) *Message
}

// sendResponse is the data of a successful send.
type sendResponse struct {
	Message *MessageItem `json:"message,omitempty"`
	Chat    *ChatItem    `json:"chat,omitempty"`
}

func (r *sendResponse) payload() *HistoryPayload {
	p := &HistoryPayload{}
	if r.Chat != nil {
		p.Chats = append(p.Chats, *r.Chat)
	}
	if r.Message != nil {
		p.Messages = append(p.Messages, *r.Message)
	}
	return p
}

type outgoing struct {
	op  string
	msg *Message
	req *Request
}

type dispatcher struct {
	cfg *Config
	log *slog.Logger
	now func() time.Time

	mu   sync.Mutex
	used map[string]struct{}
}

func newDispatcher(cfg *Config, log *slog.Logger) *dispatcher {
	return &dispatcher{
		cfg:  cfg,
		log:  log,
		now:  time.Now,
		used: make(map[string]struct{}),
	}
}

func (d *dispatcher) checkText(op, text string) error {
	if strings.TrimSpace(text) == "" {
		return newError(KindEmptyMessageText, op, nil)
	}
	if n := utf8.RuneCountInString(text); n > d.cfg.MaxMessageLength {
		return newError(KindMessageSizeExceeded, op,
			fmt.Errorf("%d characters, limit %d", n, d.cfg.MaxMessageLength))
	}
	return nil
}

func (d *dispatcher) checkFile(op string, size int64, contentType string) error {
	if size > d.cfg.MaxAttachmentSize {
		return newError(KindAttachmentSizeExceeded, op,
			fmt.Errorf("%d bytes, limit %d", size, d.cfg.MaxAttachmentSize))
	}
	if !d.cfg.allowsContentType(contentType) {
		return newError(KindAttachmentTypeNotAllowed, op, fmt.Errorf("content type %q", contentType))
	}
	return nil
}

// claimID returns the client-side id for a new message: the requested one
// if it is unused, a fresh random one otherwise.
func (d *dispatcher) claimID(op, requested string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if requested != "" {
		if _, dup := d.used[requested]; dup {
			return "", newError(KindUnknown, op, fmt.Errorf("client-side id %q already used", requested))
		}
		d.used[requested] = struct{}{}
		return requested, nil
	}
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		if _, dup := d.used[id]; !dup {
			d.used[id] = struct{}{}
			return id, nil
		}
	}
}

// reserve records ids that entered the session from elsewhere, such as
// restored history, so they are not handed out again.
func (d *dispatcher) reserve(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			d.used[id] = struct{}{}
		}
	}
}

func (d *dispatcher) optimistic(clientSideID, chatKey string, kind MessageKind, text string, file *FileParams) *Message {
	return &Message{
		ClientSideID: clientSideID,
		ChatID:       chatKey,
		Kind:         kind,
		Text:         text,
		Timestamp:    d.now().UnixMicro(),
		File:         file,
		Status:       StatusSending,
	}
}

// prepareText validates a text message and builds its optimistic entry
// and request. Nothing is sent.
func (d *dispatcher) prepareText(op, chatKey, text string, opts *SendOptions, params url.Values) (*outgoing, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	if err := d.checkText(op, text); err != nil {
		return nil, err
	}
	id, err := d.claimID(op, opts.ClientSideID)
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = url.Values{}
	}
	if params.Get("action") == "" {
		params.Set("action", "chat.message")
	}
	params.Set("client-side-id", id)
	params.Set("message", text)
	if opts.HintQuestion {
		params.Set("hint_question", "1")
	}
	if len(opts.Data) > 0 {
		raw, err := json.Marshal(opts.Data)
		if err != nil {
			return nil, newError(KindUnknown, op, fmt.Errorf("failed to marshal message data: %w", err))
		}
		params.Set("data", string(raw))
	}

	return &outgoing{
		op:  op,
		msg: d.optimistic(id, chatKey, MessageVisitor, text, nil),
		req: &Request{Method: http.MethodPost, Path: PathAction, Params: params},
	}, nil
}

// prepareFile validates an attachment and builds its optimistic entry and
// upload request. Nothing is sent.
func (d *dispatcher) prepareFile(op, chatKey string, data []byte, filename, contentType string, opts *SendOptions, params url.Values) (*outgoing, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	if contentType == "" {
		contentType = GuessMimeType(filename)
	}
	if err := d.checkFile(op, int64(len(data)), contentType); err != nil {
		return nil, err
	}
	id, err := d.claimID(op, opts.ClientSideID)
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("client-side-id", id)
	file := &FileParams{Filename: filename, ContentType: contentType, Size: int64(len(data))}

	return &outgoing{
		op:  op,
		msg: d.optimistic(id, chatKey, MessageFileFromVisitor, filename, file),
		req: &Request{
			Method: http.MethodPost,
			Path:   PathUpload,
			Params: params,
			Upload: &Upload{
				FieldName:   UploadFieldName,
				Filename:    filename,
				ContentType: contentType,
				Data:        data,
			},
		},
	}, nil
}

// dispatch places the optimistic entry and queues the request. The
// returned Pending completes exactly once.
func (d *dispatcher) dispatch(h sendHost, out *outgoing) (*Pending, error) {
	gen, err := h.placeOptimistic(out.msg, out.req)
	if err != nil {
		return nil, withOp(out.op, err)
	}
	id := out.msg.ClientSideID
	p := &Pending{ClientSideID: id, Future: newFuture[*Message](h.executor())}
	settle := func(m *Message, status MessageStatus, kind ErrorKind) *Message {
		if m != nil {
			return m
		}
		m = out.msg.clone()
		m.Status, m.FailureKind = status, kind
		return m
	}

	d.log.Debug("message queued", "op", out.op, "client_side_id", id)
	queued := h.submit(func() {
		h.authorize(out.req)
		data, err := h.backend().Do(h.sendContext(), out.req)
		if err != nil {
			e := withOp(out.op, err)
			d.log.Warn("message send failed", "client_side_id", id, "err", e)
			p.complete(settle(h.failed(gen, id, e), StatusFailed, e.Kind), e)
			return
		}

		var payload *HistoryPayload
		if len(data) > 0 {
			resp, derr := decodeJSON[sendResponse](data)
			if derr != nil {
				d.log.Warn("ignoring undecodable send response", "client_side_id", id, "err", derr)
			} else {
				payload = resp.payload()
			}
		}
		p.complete(settle(h.confirmed(gen, id, payload), StatusSent, ""), nil)
	})
	if !queued {
		e := newError(KindUnknown, out.op, errClosed)
		p.complete(settle(h.failed(gen, id, e), StatusFailed, e.Kind), e)
	}
	return p, nil
}
