package livechat

import (
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testAuthToken = "tok-1"

func makeFileMessage(guid, filename string, image bool) *Message {
	m := &Message{
		ID:   "msg-001",
		Kind: MessageFileFromOperator,
		File: &FileParams{GUID: guid, Filename: filename, ContentType: "application/pdf", Size: 42},
	}
	if image {
		m.File.ContentType = "image/png"
		m.File.Image = &ImageParams{Width: 640, Height: 480}
	}
	return m
}

// ============================================================================
// SignAttachment / VerifyAttachmentSignature
// ============================================================================

func TestSignAttachment(t *testing.T) {
	const want = "b1bcc602f32758f692c7d9489ff07eb911a28873829c65c0b0854c133bcd1217"
	if got := SignAttachment("guid-1", testAuthToken); got != want {
		t.Fatalf("SignAttachment = %s, want %s", got, want)
	}
}

func TestVerifyAttachmentSignature(t *testing.T) {
	sig := SignAttachment("guid-1", testAuthToken)

	t.Run("valid signature", func(t *testing.T) {
		if !VerifyAttachmentSignature("guid-1", sig, testAuthToken) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		if VerifyAttachmentSignature("guid-1", sig, "tok-2") {
			t.Fatal("expected invalid signature for another token")
		}
	})

	t.Run("wrong guid", func(t *testing.T) {
		if VerifyAttachmentSignature("guid-2", sig, testAuthToken) {
			t.Fatal("expected invalid signature for another file")
		}
	})

	t.Run("truncated signature", func(t *testing.T) {
		if VerifyAttachmentSignature("guid-1", sig[:10], testAuthToken) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyAttachmentSignature("", sig, testAuthToken) ||
			VerifyAttachmentSignature("guid-1", "", testAuthToken) ||
			VerifyAttachmentSignature("guid-1", sig, "") {
			t.Fatal("expected empty inputs to fail")
		}
	})
}

// ============================================================================
// AttachmentURL / PreviewURL
// ============================================================================

func TestAttachmentURL(t *testing.T) {
	auth := AttachmentAuth{PageID: "page-1", AuthToken: testAuthToken}

	t.Run("signed url", func(t *testing.T) {
		got, err := AttachmentURL("https://demo.webim.ru", auth, makeFileMessage("guid-1", "report.pdf", false))
		if err != nil {
			t.Fatalf("AttachmentURL: %v", err)
		}
		want := "https://demo.webim.ru/l/v/m/download/guid-1/report.pdf?hash=" +
			SignAttachment("guid-1", testAuthToken) + "&page-id=page-1"
		if got != want {
			t.Errorf("AttachmentURL =\n  %s\nwant\n  %s", got, want)
		}
	})

	t.Run("falls back to message id", func(t *testing.T) {
		got, err := AttachmentURL("https://demo.webim.ru", AttachmentAuth{}, makeFileMessage("", "a.pdf", false))
		if err != nil {
			t.Fatalf("AttachmentURL: %v", err)
		}
		if got != "https://demo.webim.ru/l/v/m/download/msg-001/a.pdf" {
			t.Errorf("AttachmentURL = %s", got)
		}
	})

	t.Run("no file", func(t *testing.T) {
		if _, err := AttachmentURL("https://demo.webim.ru", auth, &Message{ID: "m"}); err == nil {
			t.Error("expected error for a text message")
		}
	})

	t.Run("unsent file", func(t *testing.T) {
		m := makeFileMessage("", "a.pdf", false)
		m.ID = ""
		if _, err := AttachmentURL("https://demo.webim.ru", auth, m); err == nil {
			t.Error("expected error for a file without identifier")
		}
	})
}

func TestPreviewURL(t *testing.T) {
	auth := AttachmentAuth{PageID: "page-1", AuthToken: testAuthToken}

	got, err := PreviewURL("https://demo.webim.ru/", auth, makeFileMessage("guid-1", "cat.png", true), PreviewSmall)
	if err != nil {
		t.Fatalf("PreviewURL: %v", err)
	}
	if !strings.HasSuffix(got, "&thumb=small") || !strings.Contains(got, "/download/guid-1/cat.png?") {
		t.Errorf("PreviewURL = %s", got)
	}

	if _, err := PreviewURL("https://demo.webim.ru", auth, makeFileMessage("guid-1", "a.pdf", false), PreviewSmall); err == nil {
		t.Error("expected error for a non-image file")
	}
}
