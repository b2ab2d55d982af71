package livechat

// ============================================================================
// Delegate
// ============================================================================

// Delegate receives session events. All methods run on the session's
// Executor, one at a time, in the order the events happened. Chats and
// messages passed to a delegate are copies the receiver may keep.
type Delegate interface {
	SessionStateChanged(prev, curr SessionState)
	ChatStateChanged(chat *Chat, prev, curr ChatState)
	ChatStarted(chat *Chat)
	MessageReceived(chat *Chat, msg *Message)
	ErrorReceived(err *Error)
}

// FullUpdateListener is notified when a session receives its full state
// from the server.
type FullUpdateListener interface {
	FullUpdate(chat *Chat)
}

// ConnectionStatusListener is notified when requests start or stop
// reaching the server.
type ConnectionStatusListener interface {
	ConnectionStatusChanged(status ConnectionStatus)
}

// OnlineStatusListener is notified when support availability changes.
type OnlineStatusListener interface {
	OnlineStatusChanged(prev, curr OnlineStatus)
}

// OperatorListener is notified when a chat gets a different operator.
type OperatorListener interface {
	OperatorUpdated(chat *Chat, prev, curr *Operator)
}

// OperatorTypingListener is notified when the operator starts or stops typing.
type OperatorTypingListener interface {
	OperatorTypingChanged(chat *Chat, typing bool)
}

// MessageUpdateListener is notified when a visitor message is confirmed
// by the server or fails to send, and when the server edits a message.
type MessageUpdateListener interface {
	MessageUpdated(chat *Chat, msg *Message)
}

// MessageDeleteListener is notified when the server deletes a message.
type MessageDeleteListener interface {
	MessageDeleted(chat *Chat, msg *Message)
}

// RestartRequiredListener is notified once when the session hits an
// unrecoverable protocol error. A new Session is needed afterwards.
type RestartRequiredListener interface {
	RestartRequired(err *Error)
}

// BaseDelegate implements Delegate with no-ops, for embedding.
type BaseDelegate struct{}

func (BaseDelegate) SessionStateChanged(prev, curr SessionState)       {}
func (BaseDelegate) ChatStateChanged(chat *Chat, prev, curr ChatState) {}
func (BaseDelegate) ChatStarted(chat *Chat)                            {}
func (BaseDelegate) MessageReceived(chat *Chat, msg *Message)          {}
func (BaseDelegate) ErrorReceived(err *Error)                          {}

// event is a deferred delegate call.
type event func(Delegate)

func stateChanged(prev, curr SessionState) event {
	return func(d Delegate) { d.SessionStateChanged(prev, curr) }
}

func chatStateChanged(c *Chat, prev, curr ChatState) event {
	return func(d Delegate) { d.ChatStateChanged(c, prev, curr) }
}

func chatStarted(c *Chat) event {
	return func(d Delegate) { d.ChatStarted(c) }
}

func messageReceived(c *Chat, m *Message) event {
	return func(d Delegate) { d.MessageReceived(c, m) }
}

func errorReceived(err *Error) event {
	return func(d Delegate) { d.ErrorReceived(err) }
}

func fullUpdate(c *Chat) event {
	return func(d Delegate) {
		if l, ok := d.(FullUpdateListener); ok {
			l.FullUpdate(c)
		}
	}
}

func connectionChanged(status ConnectionStatus) event {
	return func(d Delegate) {
		if l, ok := d.(ConnectionStatusListener); ok {
			l.ConnectionStatusChanged(status)
		}
	}
}

func onlineStatusChanged(prev, curr OnlineStatus) event {
	return func(d Delegate) {
		if l, ok := d.(OnlineStatusListener); ok {
			l.OnlineStatusChanged(prev, curr)
		}
	}
}

func operatorUpdated(c *Chat, prev, curr *Operator) event {
	return func(d Delegate) {
		if l, ok := d.(OperatorListener); ok {
			l.OperatorUpdated(c, prev, curr)
		}
	}
}

func operatorTyping(c *Chat, typing bool) event {
	return func(d Delegate) {
		if l, ok := d.(OperatorTypingListener); ok {
			l.OperatorTypingChanged(c, typing)
		}
	}
}

func messageUpdated(c *Chat, m *Message) event {
	return func(d Delegate) {
		if l, ok := d.(MessageUpdateListener); ok {
			l.MessageUpdated(c, m)
		}
	}
}

func messageDeleted(c *Chat, m *Message) event {
	return func(d Delegate) {
		if l, ok := d.(MessageDeleteListener); ok {
			l.MessageDeleted(c, m)
		}
	}
}

func restartRequired(err *Error) event {
	return func(d Delegate) {
		if l, ok := d.(RestartRequiredListener); ok {
			l.RestartRequired(err)
		}
	}
}
