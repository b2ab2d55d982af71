package livechat

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the SDK reports.
type ErrorKind string

const (
	KindReinitRequired           ErrorKind = "reinit-required"
	KindServerNotReady           ErrorKind = "server-not-ready"
	KindAccountBlocked           ErrorKind = "account-blocked"
	KindVisitorBanned            ErrorKind = "visitor-banned"
	KindNetworkError             ErrorKind = "network-error"
	KindVisitorNotSet            ErrorKind = "visitor-not-set"
	KindEmptyMessageText         ErrorKind = "empty-message-text"
	KindChatNotFound             ErrorKind = "chat-not-found"
	KindNotConfigured            ErrorKind = "not-configured"
	KindAttachmentTypeNotAllowed ErrorKind = "attachment-type-not-allowed"
	KindAttachmentSizeExceeded   ErrorKind = "attachment-size-exceeded"
	KindMessageSizeExceeded      ErrorKind = "message-size-exceeded"
	KindResponseDataError        ErrorKind = "response-data-error"
	KindChatCountLimitExceeded   ErrorKind = "chat-count-limit-exceeded"
	KindUnknown                  ErrorKind = "unknown"
)

// SessionWide reports whether the kind invalidates the whole session
// rather than the single operation that observed it.
func (k ErrorKind) SessionWide() bool {
	switch k {
	case KindAccountBlocked, KindVisitorBanned, KindReinitRequired:
		return true
	}
	return false
}

// Fatal reports whether the kind puts a session into its terminal
// restart-required state.
func (k ErrorKind) Fatal() bool {
	return k == KindReinitRequired
}

// Error is the error type returned by every livechat operation.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "send message"
	Code string // raw server error code, if any
	Err  error
}

func (e *Error) Error() string {
	msg := "livechat: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	msg += string(e.Kind)
	if e.Code != "" && e.Code != string(e.Kind) {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, ErrChatNotFound)
// holds for any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Code != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrReinitRequired           = &Error{Kind: KindReinitRequired}
	ErrServerNotReady           = &Error{Kind: KindServerNotReady}
	ErrAccountBlocked           = &Error{Kind: KindAccountBlocked}
	ErrVisitorBanned            = &Error{Kind: KindVisitorBanned}
	ErrNetwork                  = &Error{Kind: KindNetworkError}
	ErrVisitorNotSet            = &Error{Kind: KindVisitorNotSet}
	ErrEmptyMessageText         = &Error{Kind: KindEmptyMessageText}
	ErrChatNotFound             = &Error{Kind: KindChatNotFound}
	ErrNotConfigured            = &Error{Kind: KindNotConfigured}
	ErrAttachmentTypeNotAllowed = &Error{Kind: KindAttachmentTypeNotAllowed}
	ErrAttachmentSizeExceeded   = &Error{Kind: KindAttachmentSizeExceeded}
	ErrMessageSizeExceeded      = &Error{Kind: KindMessageSizeExceeded}
	ErrResponseData             = &Error{Kind: KindResponseDataError}
	ErrChatCountLimitExceeded   = &Error{Kind: KindChatCountLimitExceeded}
)

var errClosed = errors.New("session closed")

// serverErrorKinds maps wire error codes onto the taxonomy. Codes not
// listed here become KindUnknown.
var serverErrorKinds = map[string]ErrorKind{
	"reinit-required":                   KindReinitRequired,
	"server-not-ready":                  KindServerNotReady,
	"account-blocked":                   KindAccountBlocked,
	"visitor-banned":                    KindVisitorBanned,
	"wrong-provided-visitor-hash-value": KindVisitorNotSet,
	"provided-visitor-expired":          KindVisitorNotSet,
	"visitor-not-set":                   KindVisitorNotSet,
	"chat-not-found":                    KindChatNotFound,
	"no-chat":                           KindChatNotFound,
	"operator-not-in-chat":              KindChatNotFound,
	"not-configured":                    KindNotConfigured,
	"empty-message":                     KindEmptyMessageText,
	"message_length_exceeded":           KindMessageSizeExceeded,
	"file_size_exceeded":                KindAttachmentSizeExceeded,
	"not_allowed_file_type":             KindAttachmentTypeNotAllowed,
	"max-chat-count-exceeded":           KindChatCountLimitExceeded,
	"chat-count-limit-exceeded":         KindChatCountLimitExceeded,
}

// kindForCode returns the taxonomy kind for a server error code.
func kindForCode(code string) ErrorKind {
	if k, ok := serverErrorKinds[code]; ok {
		return k
	}
	return KindUnknown
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func serverError(op, code string) *Error {
	return &Error{Kind: kindForCode(code), Op: op, Code: code}
}

// withOp returns err as an *Error scoped to op. Errors that are not
// *Error are classified as KindUnknown.
func withOp(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		out := *e
		out.Op = op
		return &out
	}
	return newError(KindUnknown, op, err)
}

// KindOf returns the kind of err, or KindUnknown when err is not an *Error.
// KindOf(nil) is the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

func errInvalidState(op string, state SessionState) *Error {
	return newError(KindUnknown, op, fmt.Errorf("not allowed in state %s", state))
}
