// Package fablink is the Go client for the Fablink conversational messaging
// service, shared by the buyer and manufacturer chat surfaces.
//
// It keeps a local view of conversations and their messages consistent with
// the remote service: a REST snapshot seeds initial state, a persistent
// bidirectional connection delivers live delta events, and each component
// reconciles deltas into its own store.
//
// Example:
//
//	client := fablink.NewClient(token)
//
//	conv, _ := client.Conversations.Ensure(ctx, buyerID, manufacturerID)
//
//	rt := client.Realtime.NewConnection(&fablink.RealtimeConfig{Token: token})
//	rt.Connect(ctx)
//
//	ctrl := fablink.NewDetailController(client, rt, conv.ID, fablink.RoleBuyer, nil)
//	ctrl.LoadHistory(ctx, 50)
//	ctrl.Send(ctx, "hello", nil)
package fablink

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
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.fablink.app"
	DefaultTimeout = 30 * time.Second
)

// Sentinel errors for refusal conditions. These fire before any optimistic
// state is created.
var (
	ErrEmptyMessage   = errors.New("message has no body and no attachments")
	ErrNotConnected   = errors.New("not connected")
	ErrPeerUnresolved = errors.New("peer identity could not be resolved")
)

// ============================================================================
// Client
// ============================================================================

// Client is the Fablink chat API client.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Files         *FilesClient
	Realtime      *RealtimeFactory
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Fablink client for an authenticated session.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Files = &FilesClient{client: c}
	c.Realtime = &RealtimeFactory{client: c}
	return c
}

// SetToken updates the session credential, e.g. after a token refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func pageQuery(opts *PageOptions) map[string]string {
	if opts == nil || opts.Limit <= 0 {
		return nil
	}
	return map[string]string{"limit": fmt.Sprintf("%d", opts.Limit)}
}

func resultErr(r *Result, fallback string) error {
	if r.Error != nil {
		return r.Error
	}
	return errors.New(fallback)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient handles conversation-level operations.
type ConversationsClient struct{ client *Client }

// Ensure returns the conversation between a buyer and a manufacturer,
// creating it if none exists. Idempotent.
func (cv *ConversationsClient) Ensure(ctx context.Context, buyerID, manufacturerID string) (*Conversation, error) {
	if buyerID == "" || manufacturerID == "" {
		return nil, ErrPeerUnresolved
	}
	res, err := cv.client.do(ctx, "POST", "/api/chat/conversations/ensure", &EnsureConversationRequest{
		BuyerID:        buyerID,
		ManufacturerID: manufacturerID,
	}, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "ensure conversation failed")
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations fetches the authoritative ordered conversation list,
// most recent activity first, bounded by the page size.
func (cv *ConversationsClient) ListConversations(ctx context.Context, opts *PageOptions) ([]Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/api/chat/conversations", nil, pageQuery(opts))
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "list conversations failed")
	}
	var convs []Conversation
	if err := res.Decode(&convs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convs, nil
}

// MarkRead notifies the service that the conversation has been read.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	res, err := cv.client.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultErr(res, "mark read failed")
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles message history and the REST send path.
type MessagesClient struct{ client *Client }

// List fetches the most recent messages of a conversation, ascending by
// time, bounded by the page size.
func (m *MessagesClient) List(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	res, err := m.client.do(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil, pageQuery(opts))
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "list messages failed")
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	for i := range msgs {
		msgs[i].State = StateConfirmed
	}
	return msgs, nil
}

// Send delivers a message over REST. This is the fallback path when the live
// connection is unavailable; it carries the same clientTempId as the
// optimistic local entry, so the confirming event reconciles identically on
// either path.
func (m *MessagesClient) Send(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	res, err := m.client.do(ctx, "POST", "/api/chat/conversations/"+req.ConversationID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, resultErr(res, "send message failed")
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	msg.State = StateConfirmed
	return &msg, nil
}

// ============================================================================
// Files
// ============================================================================

// PresignOptions describes a file about to be uploaded.
type PresignOptions struct {
	ConversationID string `json:"conversationId"`
	FileName       string `json:"fileName"`
	FileSize       int64  `json:"fileSize"`
	MimeType       string `json:"mimeType"`
}

// PresignResult is the server's upload grant.
type PresignResult struct {
	UploadID string            `json:"uploadId"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// MultipartInitResult describes a granted multipart upload.
type MultipartInitResult struct {
	UploadID string `json:"uploadId"`
	Parts    []struct {
		PartNumber int    `json:"partNumber"`
		URL        string `json:"url"`
	} `json:"parts"`
}

// CompletedPart identifies one uploaded part of a multipart upload.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// UploadOptions configures Upload / UploadFile.
type UploadOptions struct {
	ConversationID string
	FileName       string
	MimeType       string
	OnProgress     func(uploaded, total int64)
}

// FilesClient handles the attachment upload lifecycle
// (presign → upload → confirm).
type FilesClient struct{ client *Client }

// Presign requests an upload grant.
func (f *FilesClient) Presign(ctx context.Context, opts *PresignOptions) (*Result, error) {
	return f.client.do(ctx, "POST", "/api/chat/files/presign", opts, nil)
}

// Confirm finalizes an uploaded file and returns its attachment metadata.
func (f *FilesClient) Confirm(ctx context.Context, uploadID string) (*Result, error) {
	return f.client.do(ctx, "POST", "/api/chat/files/confirm", map[string]string{"uploadId": uploadID}, nil)
}

// InitMultipart initializes a multipart upload (for files > 10 MB).
func (f *FilesClient) InitMultipart(ctx context.Context, opts *PresignOptions) (*Result, error) {
	return f.client.do(ctx, "POST", "/api/chat/files/upload/init", opts, nil)
}

// CompleteMultipart completes a multipart upload.
func (f *FilesClient) CompleteMultipart(ctx context.Context, uploadID string, parts []CompletedPart) (*Result, error) {
	return f.client.do(ctx, "POST", "/api/chat/files/upload/complete", map[string]interface{}{
		"uploadId": uploadID, "parts": parts,
	}, nil)
}

// Upload uploads a file from bytes through the full lifecycle and returns
// its attachment metadata. The attachment exists only once the upload has
// completed; callers attach it to a message afterwards, never before.
func (f *FilesClient) Upload(ctx context.Context, data []byte, opts *UploadOptions) (*Attachment, error) {
	if opts == nil || opts.FileName == "" {
		return nil, fmt.Errorf("fileName is required when uploading bytes")
	}
	fileName := opts.FileName
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(fileName)
	}
	fileSize := int64(len(data))

	if fileSize > 50*1024*1024 {
		return nil, fmt.Errorf("file exceeds maximum size of 50 MB")
	}

	if fileSize <= 10*1024*1024 {
		return f.uploadSimple(ctx, data, opts.ConversationID, fileName, fileSize, mimeType, opts.OnProgress)
	}
	return f.uploadMultipart(ctx, data, opts.ConversationID, fileName, fileSize, mimeType, opts.OnProgress)
}

// UploadFile uploads a file from a local path. FileName and MimeType are
// auto-detected from the path if not set.
func (f *FilesClient) UploadFile(ctx context.Context, filePath string, opts *UploadOptions) (*Attachment, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if opts == nil {
		opts = &UploadOptions{}
	}
	if opts.FileName == "" {
		opts.FileName = filepath.Base(filePath)
	}
	return f.Upload(ctx, data, opts)
}

// --------------------------------------------------------------------------
// Private upload helpers
// --------------------------------------------------------------------------

func (f *FilesClient) uploadSimple(
	ctx context.Context, data []byte, conversationID, fileName string, fileSize int64, mimeType string,
	onProgress func(int64, int64),
) (*Attachment, error) {
	presignRes, err := f.Presign(ctx, &PresignOptions{
		ConversationID: conversationID, FileName: fileName, FileSize: fileSize, MimeType: mimeType,
	})
	if err != nil {
		return nil, err
	}
	if !presignRes.OK {
		return nil, resultErr(presignRes, "presign failed")
	}
	var presign PresignResult
	if err := presignRes.Decode(&presign); err != nil {
		return nil, fmt.Errorf("failed to decode presign: %w", err)
	}

	// Build multipart form
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	external := strings.HasPrefix(presign.URL, "http")
	if external {
		for k, v := range presign.Fields {
			_ = w.WriteField(k, v)
		}
	}

	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	uploadURL := presign.URL
	if !external {
		uploadURL = f.client.baseURL + presign.URL
	}

	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !external && f.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.client.token)
	}

	resp, err := f.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}

	if onProgress != nil {
		onProgress(fileSize, fileSize)
	}

	return f.confirm(ctx, presign.UploadID)
}

func (f *FilesClient) uploadMultipart(
	ctx context.Context, data []byte, conversationID, fileName string, fileSize int64, mimeType string,
	onProgress func(int64, int64),
) (*Attachment, error) {
	initRes, err := f.InitMultipart(ctx, &PresignOptions{
		ConversationID: conversationID, FileName: fileName, FileSize: fileSize, MimeType: mimeType,
	})
	if err != nil {
		return nil, err
	}
	if !initRes.OK {
		return nil, resultErr(initRes, "multipart init failed")
	}
	var init MultipartInitResult
	if err := initRes.Decode(&init); err != nil {
		return nil, fmt.Errorf("failed to decode multipart init: %w", err)
	}

	const chunkSize = 5 * 1024 * 1024
	var completed []CompletedPart
	var uploaded int64

	for _, p := range init.Parts {
		start := int64(p.PartNumber-1) * chunkSize
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		chunk := data[start:end]

		external := strings.HasPrefix(p.URL, "http")
		partURL := p.URL
		if !external {
			partURL = f.client.baseURL + p.URL
		}

		req, err := http.NewRequestWithContext(ctx, "PUT", partURL, bytes.NewReader(chunk))
		if err != nil {
			return nil, fmt.Errorf("failed to create part request: %w", err)
		}
		req.Header.Set("Content-Type", mimeType)
		if !external && f.client.token != "" {
			req.Header.Set("Authorization", "Bearer "+f.client.token)
		}

		resp, err := f.client.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("part %d upload failed: %w", p.PartNumber, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("part %d upload failed (%d)", p.PartNumber, resp.StatusCode)
		}

		etag := resp.Header.Get("ETag")
		if etag == "" {
			etag = fmt.Sprintf(`"part-%d"`, p.PartNumber)
		}
		completed = append(completed, CompletedPart{PartNumber: p.PartNumber, ETag: etag})
		uploaded += int64(len(chunk))
		if onProgress != nil {
			onProgress(uploaded, fileSize)
		}
	}

	completeRes, err := f.CompleteMultipart(ctx, init.UploadID, completed)
	if err != nil {
		return nil, err
	}
	if !completeRes.OK {
		return nil, resultErr(completeRes, "multipart complete failed")
	}
	var att Attachment
	if err := completeRes.Decode(&att); err != nil {
		return nil, fmt.Errorf("failed to decode multipart complete: %w", err)
	}
	return &att, nil
}

func (f *FilesClient) confirm(ctx context.Context, uploadID string) (*Attachment, error) {
	confirmRes, err := f.Confirm(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if !confirmRes.OK {
		return nil, resultErr(confirmRes, "confirm failed")
	}
	var att Attachment
	if err := confirmRes.Decode(&att); err != nil {
		return nil, fmt.Errorf("failed to decode confirm: %w", err)
	}
	return &att, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" → "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeFactory creates real-time connections bound to this client's
// endpoint. Each surface mount gets its own connection object.
type RealtimeFactory struct{ client *Client }

// WSUrl returns the WebSocket URL for a session token.
func (r *RealtimeFactory) WSUrl(token string) string {
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + token
	}
	return base + "/ws"
}

// NewConnection creates a real-time client. Call Connect to establish the
// connection.
func (r *RealtimeFactory) NewConnection(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	if cfg.Logger == nil {
		cfg.Logger = r.client.logger
	}
	return &RealtimeClient{
		baseURL:      r.client.baseURL,
		config:       &cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
		logger:       cfg.Logger,
	}
}
