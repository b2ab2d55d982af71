package livechat

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
)

// ============================================================================
// Enumerations
// ============================================================================

// SessionState is the lifecycle state of a realtime Session.
type SessionState string

const (
	StateUnknown        SessionState = "unknown"
	StateIdle           SessionState = "idle"
	StateChat           SessionState = "chat"
	StateIdleAfterChat  SessionState = "idle-after-chat"
	StateOfflineMessage SessionState = "offline-message"
)

// visitSessionStates folds the server's visit session states onto
// SessionState. Pre-chat states the SDK does not model are Idle.
var visitSessionStates = map[string]SessionState{
	"idle":                 StateIdle,
	"chat":                 StateChat,
	"idle-after-chat":      StateIdleAfterChat,
	"offline-message":      StateOfflineMessage,
	"first-question":       StateIdle,
	"department-selection": StateIdle,
	"showing":              StateIdle,
	"showing-by-robot":     StateIdle,
	"calling":              StateIdle,
}

// ParseSessionState maps a wire visit session state. ok is false for
// values the SDK does not recognize.
func ParseSessionState(s string) (state SessionState, ok bool) {
	state, ok = visitSessionStates[s]
	if !ok {
		return StateUnknown, false
	}
	return state, true
}

// ConnectionStatus reflects whether the last request reached the server.
type ConnectionStatus string

const (
	ConnectionUnknown ConnectionStatus = "unknown"
	ConnectionOnline  ConnectionStatus = "online"
	ConnectionOffline ConnectionStatus = "offline"
)

// OnlineStatus is the availability of the support side.
type OnlineStatus string

const (
	OnlineStatusUnknown     OnlineStatus = "unknown"
	OnlineStatusOnline      OnlineStatus = "online"
	OnlineStatusBusyOnline  OnlineStatus = "busy_online"
	OnlineStatusOffline     OnlineStatus = "offline"
	OnlineStatusBusyOffline OnlineStatus = "busy_offline"
)

// ParseOnlineStatus maps a wire online status, unknown values included.
func ParseOnlineStatus(s string) OnlineStatus {
	switch OnlineStatus(s) {
	case OnlineStatusOnline, OnlineStatusBusyOnline, OnlineStatusOffline, OnlineStatusBusyOffline:
		return OnlineStatus(s)
	}
	return OnlineStatusUnknown
}

// ChatState is the lifecycle state of one Chat as reported by the server.
type ChatState string

const (
	ChatStateUnknown           ChatState = "unknown"
	ChatStateQueue             ChatState = "queue"
	ChatStateChatting          ChatState = "chatting"
	ChatStateChattingWithRobot ChatState = "chatting_with_robot"
	ChatStateClosed            ChatState = "closed"
	ChatStateClosedByOperator  ChatState = "closed_by_operator"
	ChatStateClosedByVisitor   ChatState = "closed_by_visitor"
	ChatStateInvitation        ChatState = "invitation"
)

// ParseChatState maps a wire chat state. Anything unrecognized is
// ChatStateUnknown so one bad field never fails a whole payload.
func ParseChatState(s string) ChatState {
	switch ChatState(s) {
	case ChatStateQueue, ChatStateChatting, ChatStateChattingWithRobot,
		ChatStateClosed, ChatStateClosedByOperator, ChatStateClosedByVisitor,
		ChatStateInvitation:
		return ChatState(s)
	}
	return ChatStateUnknown
}

// IsClosed reports whether no further messages are expected in the chat.
func (s ChatState) IsClosed() bool {
	switch s {
	case ChatStateClosed, ChatStateClosedByOperator, ChatStateClosedByVisitor, ChatStateUnknown:
		return true
	}
	return false
}

// MessageKind tags the variant of a Message.
type MessageKind string

const (
	MessageVisitor          MessageKind = "visitor"
	MessageOperator         MessageKind = "operator"
	MessageInfo             MessageKind = "info"
	MessageOperatorBusy     MessageKind = "operator_busy"
	MessageFileFromVisitor  MessageKind = "file_visitor"
	MessageFileFromOperator MessageKind = "file_operator"
	MessageContactsRequest  MessageKind = "cont_req"
	MessageContacts         MessageKind = "contacts"
	MessageActionRequest    MessageKind = "action_request"
	MessageForOperator      MessageKind = "for_operator"
	MessageUnknown          MessageKind = "unknown"
)

// ParseMessageKind maps a wire message kind.
func ParseMessageKind(s string) MessageKind {
	switch MessageKind(s) {
	case MessageVisitor, MessageOperator, MessageInfo, MessageOperatorBusy,
		MessageFileFromVisitor, MessageFileFromOperator, MessageContactsRequest,
		MessageContacts, MessageActionRequest, MessageForOperator:
		return MessageKind(s)
	}
	return MessageUnknown
}

// IsFile reports whether messages of this kind carry FileParams.
func (k MessageKind) IsFile() bool {
	return k == MessageFileFromVisitor || k == MessageFileFromOperator
}

// MessageStatus tracks the delivery of visitor-authored messages.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// ============================================================================
// Entity model
// ============================================================================

// Visitor identifies the end user to the server.
type Visitor struct {
	ID     string            `json:"id,omitempty"`
	Name   string            `json:"name,omitempty"`
	Email  string            `json:"email,omitempty"`
	Phone  string            `json:"phone,omitempty"`
	Avatar string            `json:"avatar,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (v *Visitor) clone() *Visitor {
	if v == nil {
		return nil
	}
	out := *v
	if v.Fields != nil {
		out.Fields = make(map[string]string, len(v.Fields))
		for k, val := range v.Fields {
			out.Fields[k] = val
		}
	}
	return &out
}

// Operator is an immutable snapshot of a support agent. Chats assigned to
// the same agent share one *Operator; a change produces a new snapshot.
type Operator struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	AvatarURL      string   `json:"avatarUrl,omitempty"`
	DepartmentKeys []string `json:"departmentKeys,omitempty"`
}

func (o *Operator) equal(other *Operator) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.ID != other.ID || o.Name != other.Name || o.AvatarURL != other.AvatarURL ||
		len(o.DepartmentKeys) != len(other.DepartmentKeys) {
		return false
	}
	for i := range o.DepartmentKeys {
		if o.DepartmentKeys[i] != other.DepartmentKeys[i] {
			return false
		}
	}
	return true
}

// ImageParams holds pixel dimensions of an image attachment.
type ImageParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FileParams describes an attachment.
type FileParams struct {
	GUID        string       `json:"guid,omitempty"`
	Filename    string       `json:"filename"`
	ContentType string       `json:"contentType"`
	Size        int64        `json:"size"`
	Image       *ImageParams `json:"image,omitempty"`
}

// Message is one chat utterance.
type Message struct {
	ID           string        `json:"id,omitempty"`
	ClientSideID string        `json:"clientSideId,omitempty"`
	ChatID       string        `json:"chatId,omitempty"` // owning chat, ID or client-side id
	Kind         MessageKind   `json:"kind"`
	Text         string        `json:"text"`
	SenderName   string        `json:"senderName,omitempty"`
	AuthorID     string        `json:"authorId,omitempty"`
	AvatarURL    string        `json:"avatarUrl,omitempty"`
	Timestamp    int64         `json:"ts"` // microseconds since epoch
	File         *FileParams   `json:"file,omitempty"`
	Status       MessageStatus `json:"status,omitempty"`
	FailureKind  ErrorKind     `json:"failureKind,omitempty"`
	Deleted      bool          `json:"deleted,omitempty"`
}

// IsOptimistic reports whether the message is a local entry still waiting
// for its server identifier.
func (m *Message) IsOptimistic() bool {
	return m.ID == "" && m.ClientSideID != ""
}

func (m *Message) clone() *Message {
	out := *m
	if m.File != nil {
		f := *m.File
		if m.File.Image != nil {
			img := *m.File.Image
			f.Image = &img
		}
		out.File = &f
	}
	return &out
}

// sameContent reports whether o carries what the user sees of m.
func (m *Message) sameContent(o *Message) bool {
	if m.Kind != o.Kind || m.Text != o.Text || m.SenderName != o.SenderName || m.AvatarURL != o.AvatarURL {
		return false
	}
	if (m.File == nil) != (o.File == nil) {
		return false
	}
	if m.File == nil {
		return true
	}
	a, b := *m.File, *o.File
	if (a.Image == nil) != (b.Image == nil) || (a.Image != nil && *a.Image != *b.Image) {
		return false
	}
	a.Image, b.Image = nil, nil
	return a == b
}

// Chat is one support conversation.
type Chat struct {
	ID                       string         `json:"id,omitempty"`
	ClientSideID             string         `json:"clientSideId,omitempty"`
	State                    ChatState      `json:"state"`
	Messages                 []*Message     `json:"messages,omitempty"`
	Operator                 *Operator      `json:"operator,omitempty"`
	OperatorTyping           bool           `json:"operatorTyping,omitempty"`
	HasUnreadMessages        bool           `json:"hasUnreadMessages,omitempty"`
	ProposeRatingBeforeClose bool           `json:"proposeRatingBeforeClose,omitempty"`
	VisitorReadUntil         int64          `json:"visitorReadUntil,omitempty"`
	OperatorReadUntil        int64          `json:"operatorReadUntil,omitempty"`
	UnreadCount              int            `json:"unreadCount,omitempty"`
	CreatedAt                int64          `json:"createdAt,omitempty"`
	ModifiedAt               int64          `json:"modifiedAt,omitempty"`
	Offline                  bool           `json:"offline,omitempty"`
	Subject                  string         `json:"subject,omitempty"`
	Ratings                  map[string]int `json:"ratings,omitempty"` // operator id -> rating
}

// IsPending reports whether the chat has not yet been confirmed by the server.
func (c *Chat) IsPending() bool { return c.ID == "" }

// Key is the stable lookup handle of the chat: its client-side id when it
// has one, the server id otherwise.
func (c *Chat) Key() string {
	if c.ClientSideID != "" {
		return c.ClientSideID
	}
	return c.ID
}

// matches reports whether handle refers to this chat.
func (c *Chat) matches(handle string) bool {
	return handle != "" && (handle == c.ID || handle == c.ClientSideID)
}

// LastMessage returns the newest message or nil.
func (c *Chat) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// Message returns the message with the given server or client-side id.
func (c *Chat) Message(id string) *Message {
	for _, m := range c.Messages {
		if id != "" && (m.ID == id || m.ClientSideID == id) {
			return m
		}
	}
	return nil
}

// clone deep-copies the chat. The operator snapshot stays shared.
func (c *Chat) clone() *Chat {
	out := *c
	out.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.clone()
	}
	if c.Ratings != nil {
		out.Ratings = make(map[string]int, len(c.Ratings))
		for k, v := range c.Ratings {
			out.Ratings[k] = v
		}
	}
	return &out
}

// insertMessage places m after the last message not newer than it, so equal
// timestamps keep insertion order. Most messages are appended.
func (c *Chat) insertMessage(m *Message) {
	i := len(c.Messages)
	for i > 0 && c.Messages[i-1].Timestamp > m.Timestamp {
		i--
	}
	c.Messages = append(c.Messages, nil)
	copy(c.Messages[i+1:], c.Messages[i:])
	c.Messages[i] = m
}

// removeMessage drops m, matched by identity. It reports whether m was
// part of the chat.
func (c *Chat) removeMessage(m *Message) bool {
	for i, x := range c.Messages {
		if x == m {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			return true
		}
	}
	return false
}

func cloneChats(chats []*Chat) []*Chat {
	out := make([]*Chat, len(chats))
	for i, c := range chats {
		out[i] = c.clone()
	}
	return out
}

// ============================================================================
// Wire format
// ============================================================================

// ID is a server identifier that may arrive as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// HistoryPayload is the body of a history poll or history pull.
type HistoryPayload struct {
	Chats        []ChatItem    `json:"chats,omitempty"`
	Messages     []MessageItem `json:"messages,omitempty"`
	State        string        `json:"state,omitempty"`
	OnlineStatus string        `json:"onlineStatus,omitempty"`
}

// IsEmpty reports whether the payload carries no chats and no messages.
func (p *HistoryPayload) IsEmpty() bool {
	return p == nil || (len(p.Chats) == 0 && len(p.Messages) == 0)
}

// FullUpdate is the body of the session init response.
type FullUpdate struct {
	AuthToken      string    `json:"authToken"`
	PageID         string    `json:"pageId"`
	VisitSessionID string    `json:"visitSessionId"`
	State          string    `json:"state"`
	OnlineStatus   string    `json:"onlineStatus"`
	HintsEnabled   bool      `json:"hintsEnabled"`
	Chat           *ChatItem `json:"chat,omitempty"`
	Visitor        *Visitor  `json:"visitor,omitempty"`
}

// ChatItem is a chat as sent by the server.
type ChatItem struct {
	ID                      ID                  `json:"id"`
	ClientSideID            string              `json:"clientSideId,omitempty"`
	State                   string              `json:"state"`
	Messages                []MessageItem       `json:"messages,omitempty"`
	Operator                *OperatorItem       `json:"operator,omitempty"`
	OperatorTyping          bool                `json:"operatorTyping,omitempty"`
	ReadByVisitor           bool                `json:"readByVisitor"`
	UnreadByOperatorSinceTs float64             `json:"unreadByOperatorSinceTs,omitempty"`
	UnreadByVisitorSinceTs  float64             `json:"unreadByVisitorSinceTs,omitempty"`
	UnreadByVisitorMsgCnt   int                 `json:"unreadByVisitorMsgCnt,omitempty"`
	CreationTs              float64             `json:"creationTs,omitempty"`
	ModificationTs          float64             `json:"modificationTs,omitempty"`
	Offline                 bool                `json:"offline,omitempty"`
	OperatorIDToRate        map[string]RateItem `json:"operatorIdToRate,omitempty"`
	Subject                 string              `json:"subject,omitempty"`
}

// RateItem is a rating previously given to an operator.
type RateItem struct {
	OperatorID ID  `json:"operatorId"`
	Rating     int `json:"rating"`
}

// MessageItem is a message as sent by the server.
type MessageItem struct {
	ID           ID      `json:"id"`
	ClientSideID string  `json:"clientSideId,omitempty"`
	ChatID       ID      `json:"chatId,omitempty"`
	AuthorID     ID      `json:"authorId,omitempty"`
	Avatar       string  `json:"avatar,omitempty"`
	Name         string  `json:"name,omitempty"`
	Kind         string  `json:"kind"`
	Text         string  `json:"text"`
	Deleted      bool    `json:"deleted,omitempty"`
	TsM          int64   `json:"ts_m,omitempty"`
	Ts           float64 `json:"ts,omitempty"`
}

// OperatorItem is an operator as sent by the server.
type OperatorItem struct {
	ID             ID       `json:"id"`
	Fullname       string   `json:"fullname"`
	Avatar         string   `json:"avatar,omitempty"`
	DepartmentKeys []string `json:"departmentKeys,omitempty"`
}

// FileItem is the JSON carried in the text of file messages.
type FileItem struct {
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	GUID        string `json:"guid"`
	Size        int64  `json:"size"`
	Image       *struct {
		Size struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"size"`
	} `json:"image,omitempty"`
}

// micros converts a wire timestamp in seconds to microseconds.
func micros(seconds float64) int64 {
	return int64(math.Round(seconds * 1e6))
}

func (it *MessageItem) timestamp() int64 {
	if it.TsM > 0 {
		return it.TsM
	}
	return micros(it.Ts)
}

func (it *OperatorItem) toOperator() *Operator {
	if it == nil || it.ID == "" {
		return nil
	}
	return &Operator{
		ID:             string(it.ID),
		Name:           it.Fullname,
		AvatarURL:      it.Avatar,
		DepartmentKeys: append([]string(nil), it.DepartmentKeys...),
	}
}

// toMessage converts a wire message. The client-side id falls back to the
// server id, as the server omits it for messages it authored.
func (it *MessageItem) toMessage(chatID string) *Message {
	m := &Message{
		ID:           string(it.ID),
		ClientSideID: it.ClientSideID,
		ChatID:       chatID,
		Kind:         ParseMessageKind(it.Kind),
		Text:         it.Text,
		SenderName:   it.Name,
		AuthorID:     string(it.AuthorID),
		AvatarURL:    it.Avatar,
		Timestamp:    it.timestamp(),
		Status:       StatusSent,
		Deleted:      it.Deleted,
	}
	if m.ClientSideID == "" {
		m.ClientSideID = m.ID
	}
	if m.Kind.IsFile() {
		m.File = parseFileItem(it.Text)
	}
	return m
}

func parseFileItem(text string) *FileParams {
	if !strings.HasPrefix(strings.TrimSpace(text), "{") {
		return nil
	}
	var fi FileItem
	if err := json.Unmarshal([]byte(text), &fi); err != nil {
		return nil
	}
	fp := &FileParams{
		GUID:        fi.GUID,
		Filename:    fi.Filename,
		ContentType: fi.ContentType,
		Size:        fi.Size,
	}
	if fi.Image != nil {
		fp.Image = &ImageParams{Width: fi.Image.Size.Width, Height: fi.Image.Size.Height}
	}
	return fp
}
