package livechat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// ============================================================================
// Attachment addressing
// ============================================================================

// Preview size keys understood by the server.
const (
	PreviewSmall  = "small"
	PreviewMedium = "medium"
	PreviewLarge  = "large"
)

// AttachmentAuth is what a download URL is signed with.
type AttachmentAuth struct {
	PageID    string
	AuthToken string
}

// SignAttachment returns the hex HMAC-SHA256 of a file GUID keyed by the
// session auth token.
func SignAttachment(guid, authToken string) string {
	mac := hmac.New(sha256.New, []byte(authToken))
	mac.Write([]byte(guid))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAttachmentSignature checks a download signature using a
// constant-time comparison.
func VerifyAttachmentSignature(guid, signature, authToken string) bool {
	if guid == "" || signature == "" || authToken == "" {
		return false
	}
	expected := SignAttachment(guid, authToken)
	if len(signature) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

func attachmentGUID(msg *Message) (string, error) {
	if msg == nil || msg.File == nil {
		return "", newError(KindUnknown, "attachment url", fmt.Errorf("message has no file"))
	}
	guid := msg.File.GUID
	if guid == "" {
		guid = msg.ID
	}
	if guid == "" {
		return "", newError(KindUnknown, "attachment url", fmt.Errorf("file has no server identifier yet"))
	}
	return guid, nil
}

// AttachmentURL derives the download URL of a file message. It needs no
// round trip: the URL is a function of the host, the file identifier and
// the session credentials.
func AttachmentURL(host string, auth AttachmentAuth, msg *Message) (string, error) {
	guid, err := attachmentGUID(msg)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	if auth.PageID != "" {
		q.Set("page-id", auth.PageID)
	}
	if auth.AuthToken != "" {
		q.Set("hash", SignAttachment(guid, auth.AuthToken))
	}
	u := strings.TrimRight(host, "/") + PathDownload + "/" + url.PathEscape(guid) +
		"/" + url.PathEscape(msg.File.Filename)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

// PreviewURL derives the thumbnail URL of an image message for a size key.
func PreviewURL(host string, auth AttachmentAuth, msg *Message, sizeKey string) (string, error) {
	if msg == nil || msg.File == nil || msg.File.Image == nil {
		return "", newError(KindUnknown, "preview url", fmt.Errorf("message is not an image"))
	}
	u, err := AttachmentURL(host, auth, msg)
	if err != nil {
		return "", err
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "thumb=" + url.QueryEscape(sizeKey), nil
}
