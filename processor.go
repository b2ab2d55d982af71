package livechat

// ============================================================================
// Response Processor
// ============================================================================

// HistoryResult is the outcome of merging one payload into a snapshot.
type HistoryResult struct {
	// Chats is the merged chat list. Chats in the input snapshot are never
	// modified; every chat here is a fresh copy.
	Chats []*Chat

	NewChats      []*Chat
	ModifiedChats []*Chat // pre-existing chats whose fields changed or that were reconciled
	NewMessages   []*Message
	Duplicates    []*Message // incoming messages that matched a known message
	Reconciled    []*Message // local optimistic messages that received their server id
	Orphans       []*Message // incoming messages whose chat is unknown

	// ChangedMessages are known messages the server edited; they are
	// updated in place. DeletedMessages were removed from their chats.
	ChangedMessages []*Message
	DeletedMessages []*Message

	// OperatorChanged lists chats whose operator snapshot was replaced.
	OperatorChanged []*Chat

	// Cursor is the greatest timestamp in the payload, 0 when it had none.
	Cursor int64
}

// IsEmpty reports whether the merge changed nothing.
func (r *HistoryResult) IsEmpty() bool {
	return len(r.NewChats) == 0 && len(r.ModifiedChats) == 0 &&
		len(r.NewMessages) == 0 && len(r.Reconciled) == 0 &&
		len(r.ChangedMessages) == 0 && len(r.DeletedMessages) == 0
}

type indexedMessage struct {
	msg  *Message
	chat *Chat
}

type merger struct {
	res        *HistoryResult
	operators  map[string]*Operator
	byServerID map[string]indexedMessage
	byClientID map[string]indexedMessage
	created    map[*Chat]bool
	modified   map[*Chat]bool
}

// ProcessHistory merges a server payload into a copy of the current chats.
//
// A message is a duplicate when its server id is already known, or when
// its client-side id matches a local optimistic message; in the second case
// the optimistic entry is updated in place with the server's copy. A known
// message whose content differs is edited in place, and one flagged deleted
// is removed from its chat. Pending
// chats are reconciled with server chats by client-side id. Unknown chat
// states map to ChatStateUnknown.
func ProcessHistory(p *HistoryPayload, current []*Chat) *HistoryResult {
	m := &merger{
		res:        &HistoryResult{Chats: cloneChats(current)},
		operators:  make(map[string]*Operator),
		byServerID: make(map[string]indexedMessage),
		byClientID: make(map[string]indexedMessage),
		created:    make(map[*Chat]bool),
		modified:   make(map[*Chat]bool),
	}
	for _, c := range m.res.Chats {
		if c.Operator != nil {
			if _, ok := m.operators[c.Operator.ID]; !ok {
				m.operators[c.Operator.ID] = c.Operator
			}
		}
		for _, msg := range c.Messages {
			m.index(msg, c)
		}
	}
	if p == nil {
		return m.res
	}

	for i := range p.Chats {
		m.mergeChat(&p.Chats[i])
	}
	for i := range p.Messages {
		m.mergeLooseMessage(&p.Messages[i])
	}
	return m.res
}

func (m *merger) index(msg *Message, c *Chat) {
	entry := indexedMessage{msg: msg, chat: c}
	if msg.ID != "" {
		m.byServerID[msg.ID] = entry
	}
	if msg.ClientSideID != "" {
		m.byClientID[msg.ClientSideID] = entry
	}
}

func (m *merger) bump(ts int64) {
	if ts > m.res.Cursor {
		m.res.Cursor = ts
	}
}

func (m *merger) markModified(c *Chat) {
	if m.created[c] || m.modified[c] {
		return
	}
	m.modified[c] = true
	m.res.ModifiedChats = append(m.res.ModifiedChats, c)
}

func (m *merger) findChat(id, clientSideID string) *Chat {
	if id != "" {
		for _, c := range m.res.Chats {
			if c.ID == id {
				return c
			}
		}
	}
	if clientSideID != "" {
		for _, c := range m.res.Chats {
			if c.ID == "" && c.ClientSideID == clientSideID {
				return c
			}
		}
	}
	return nil
}

// operator returns the shared snapshot for it, replacing the registry
// entry when the server reports different data for the same id.
func (m *merger) operator(it *OperatorItem) *Operator {
	op := it.toOperator()
	if op == nil {
		return nil
	}
	if known, ok := m.operators[op.ID]; ok && known.equal(op) {
		return known
	}
	m.operators[op.ID] = op
	return op
}

func (m *merger) mergeChat(it *ChatItem) {
	id := string(it.ID)
	c := m.findChat(id, it.ClientSideID)
	if c == nil {
		c = &Chat{ID: id, ClientSideID: it.ClientSideID, State: ChatStateUnknown}
		m.created[c] = true
		m.res.Chats = append(m.res.Chats, c)
		m.res.NewChats = append(m.res.NewChats, c)
	} else if c.ID == "" && id != "" {
		c.ID = id
		m.markModified(c)
	}

	if m.applyChatFields(c, it) {
		m.markModified(c)
	}
	m.bump(micros(it.ModificationTs))

	for i := range it.Messages {
		m.mergeMessage(c, &it.Messages[i])
	}
}

func (m *merger) applyChatFields(c *Chat, it *ChatItem) bool {
	changed := false

	if state := ParseChatState(it.State); c.State != state {
		c.State = state
		changed = true
	}

	op := m.operator(it.Operator)
	if c.Operator != op {
		if !c.Operator.equal(op) {
			m.res.OperatorChanged = append(m.res.OperatorChanged, c)
			changed = true
		}
		c.Operator = op
	}

	var ratings map[string]int
	if len(it.OperatorIDToRate) > 0 {
		ratings = make(map[string]int, len(it.OperatorIDToRate))
		for k, r := range it.OperatorIDToRate {
			ratings[k] = r.Rating
		}
	}
	if !equalRatings(c.Ratings, ratings) {
		c.Ratings = ratings
		changed = true
	}
	propose := false
	if op != nil {
		_, rated := ratings[op.ID]
		propose = !rated
	}

	fields := []struct {
		dst *bool
		val bool
	}{
		{&c.OperatorTyping, it.OperatorTyping},
		{&c.HasUnreadMessages, !it.ReadByVisitor},
		{&c.ProposeRatingBeforeClose, propose},
		{&c.Offline, it.Offline},
	}
	for _, f := range fields {
		if *f.dst != f.val {
			*f.dst = f.val
			changed = true
		}
	}

	stamps := []struct {
		dst *int64
		val int64
	}{
		{&c.VisitorReadUntil, micros(it.UnreadByVisitorSinceTs)},
		{&c.OperatorReadUntil, micros(it.UnreadByOperatorSinceTs)},
		{&c.CreatedAt, micros(it.CreationTs)},
		{&c.ModifiedAt, micros(it.ModificationTs)},
	}
	for _, s := range stamps {
		if s.val != 0 && *s.dst != s.val {
			*s.dst = s.val
			changed = true
		}
	}

	if c.UnreadCount != it.UnreadByVisitorMsgCnt {
		c.UnreadCount = it.UnreadByVisitorMsgCnt
		changed = true
	}
	if it.Subject != "" && c.Subject != it.Subject {
		c.Subject = it.Subject
		changed = true
	}
	return changed
}

func (m *merger) mergeMessage(c *Chat, it *MessageItem) {
	msg := it.toMessage(c.Key())
	m.bump(msg.Timestamp)
	if msg.ID == "" {
		return
	}
	if m.dedupe(msg) || msg.Deleted {
		return
	}
	c.insertMessage(msg)
	m.index(msg, c)
	m.res.NewMessages = append(m.res.NewMessages, msg)
}

func (m *merger) mergeLooseMessage(it *MessageItem) {
	c := m.findChat(string(it.ChatID), "")
	if c != nil {
		m.mergeMessage(c, it)
		return
	}
	msg := it.toMessage(string(it.ChatID))
	m.bump(msg.Timestamp)
	if msg.ID == "" || m.dedupe(msg) || msg.Deleted {
		return
	}
	m.res.Orphans = append(m.res.Orphans, msg)
}

// dedupe reports whether msg is already known, reconciling a matching
// optimistic entry in place and applying server edits and deletions.
func (m *merger) dedupe(msg *Message) bool {
	if msg.ID != "" {
		if entry, ok := m.byServerID[msg.ID]; ok {
			m.res.Duplicates = append(m.res.Duplicates, msg)
			switch {
			case msg.Deleted:
				m.remove(entry)
			case !entry.msg.sameContent(msg):
				m.edit(entry, msg)
			}
			return true
		}
	}
	entry, ok := m.byClientID[msg.ClientSideID]
	if !ok || !entry.msg.IsOptimistic() {
		return false
	}
	if msg.Deleted {
		m.res.Duplicates = append(m.res.Duplicates, msg)
		m.remove(entry)
		return true
	}

	local := entry.msg
	local.ID = msg.ID
	local.Status = StatusSent
	local.FailureKind = ""
	local.Timestamp = msg.Timestamp
	if msg.Text != "" {
		local.Text = msg.Text
	}
	if msg.File != nil {
		local.File = msg.File
	}
	local.SenderName = msg.SenderName
	local.AuthorID = msg.AuthorID
	local.AvatarURL = msg.AvatarURL
	m.index(local, entry.chat)

	m.res.Duplicates = append(m.res.Duplicates, msg)
	m.res.Reconciled = append(m.res.Reconciled, local)
	m.markModified(entry.chat)
	return true
}

func (m *merger) edit(entry indexedMessage, msg *Message) {
	local := entry.msg
	local.Kind = msg.Kind
	local.Text = msg.Text
	local.File = msg.File
	local.SenderName = msg.SenderName
	local.AvatarURL = msg.AvatarURL
	m.res.ChangedMessages = append(m.res.ChangedMessages, local)
	m.markModified(entry.chat)
}

func (m *merger) remove(entry indexedMessage) {
	if !entry.chat.removeMessage(entry.msg) {
		return
	}
	delete(m.byServerID, entry.msg.ID)
	delete(m.byClientID, entry.msg.ClientSideID)
	gone := entry.msg.clone()
	gone.Deleted = true
	m.res.DeletedMessages = append(m.res.DeletedMessages, gone)
	m.markModified(entry.chat)
}

func equalRatings(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
