// Package livechat is a Go client for live-support chat backends.
//
// It keeps a visitor's chat synchronized with the server in two modes: a
// realtime Session driven by a periodic history poll, and an OfflineSession
// managing a set of appeals without a live connection.
//
// Example:
//
//	client := livechat.NewClient("demo")
//
//	session, _ := client.NewSession(livechat.Config{AccountName: "demo"},
//		livechat.WithDelegate(ui),
//		livechat.WithStore(livechat.NewMemoryStore()),
//	)
//	_, _ = session.Start().Wait(ctx)
//
//	pending, _ := session.SendMessage("Hello!", nil)
//	render(pending.ClientSideID) // optimistic entry, before any round trip
//
//	offline, _ := client.NewOfflineSession(livechat.Config{AccountName: "demo"})
//	changes, _ := offline.GetHistory(true).Wait(ctx)
package livechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second

	PathDelta    = "/l/v/m/delta"
	PathHistory  = "/l/v/m/history"
	PathAction   = "/l/v/m/action"
	PathUpload   = "/l/v/m/upload"
	PathDownload = "/l/v/m/download"
	PathPush     = "/l/v/m/push"

	// UploadFieldName is the multipart field carrying an uploaded file.
	UploadFieldName = "webim_upload_file"
)

// ============================================================================
// Transport
// ============================================================================

// Request is one call to the backend. GET requests carry Params in the
// query string, POST requests in a form body (multipart when Upload is set).
type Request struct {
	Method string
	Path   string
	Params url.Values
	Upload *Upload
}

// Upload is a file attached to a POST request.
type Upload struct {
	FieldName   string
	Filename    string
	ContentType string
	Data        []byte
}

// Transport performs backend requests. It returns the "data" member of a
// successful response, or an *Error.
type Transport interface {
	Do(ctx context.Context, req *Request) (json.RawMessage, error)
}

// apiResult is the response envelope.
type apiResult struct {
	Result  string          `json:"result,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP Transport.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client for an account. The account may be a bare
// account name or a full server URL.
func NewClient(accountName string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   accountBaseURL(accountName),
		userAgent: "livechat-go",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func accountBaseURL(account string) string {
	if strings.Contains(account, "://") {
		return strings.TrimRight(account, "/")
	}
	return "https://" + account + ".webim.ru"
}

// BaseURL returns the server URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// NewSession creates a realtime session that talks to this client's server.
func (c *Client) NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	return NewSession(cfg, append([]SessionOption{WithTransport(c), WithHost(c.baseURL)}, opts...)...)
}

// NewOfflineSession creates an offline coordinator bound to this client.
func (c *Client) NewOfflineSession(cfg Config, opts ...SessionOption) (*OfflineSession, error) {
	return NewOfflineSession(cfg, append([]SessionOption{WithTransport(c), WithHost(c.baseURL)}, opts...)...)
}

// Do implements Transport.
func (c *Client) Do(ctx context.Context, r *Request) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, newError(KindUnknown, "", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(KindNetworkError, "", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindNetworkError, "", fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindReinitRequired, Code: resp.Status}
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &Error{Kind: KindServerNotReady, Code: resp.Status}
	}

	var result apiResult
	if err := json.Unmarshal(body, &result); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &Error{Kind: KindUnknown, Code: resp.Status}
		}
		return nil, newError(KindResponseDataError, "", fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if result.Error != "" {
		e := &Error{Kind: kindForCode(result.Error), Code: result.Error}
		if result.Message != "" {
			e.Err = errors.New(result.Message)
		}
		return nil, e
	}
	if resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindUnknown, Code: resp.Status}
	}
	return result.Data, nil
}

func (c *Client) newRequest(ctx context.Context, r *Request) (*http.Request, error) {
	u := c.baseURL + r.Path
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case method == http.MethodGet:
		if len(r.Params) > 0 {
			u += "?" + r.Params.Encode()
		}
	case r.Upload != nil:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, vs := range r.Params {
			for _, v := range vs {
				_ = w.WriteField(k, v)
			}
		}
		part, err := w.CreatePart(uploadHeader(r.Upload))
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(r.Upload.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
		_ = w.Close()
		body, contentType = &buf, w.FormDataContentType()
	default:
		body = strings.NewReader(r.Params.Encode())
		contentType = "application/x-www-form-urlencoded; charset=utf-8"
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

func uploadHeader(up *Upload) textproto.MIMEHeader {
	field := up.FieldName
	if field == "" {
		field = UploadFieldName
	}
	ct := up.ContentType
	if ct == "" {
		ct = GuessMimeType(up.Filename)
	}
	disposition := mime.FormatMediaType("form-data", map[string]string{
		"name":     field,
		"filename": up.Filename,
	})
	return textproto.MIMEHeader{
		"Content-Disposition": {disposition},
		"Content-Type":        {ct},
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(data) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, newError(KindResponseDataError, "", fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return &result, nil
}

// GuessMimeType returns a MIME type from a file extension.
func GuessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
