// Package chatclient is the Go client for the coach chat API. It pairs a
// plain HTTP client with a websocket subscription manager and a session
// controller that keeps one open conversation consistent on screen.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

const (
	ChatModeActive   = "active"
	ChatModeReadOnly = "read_only"
)

type Conversation struct {
	ID        int64     `json:"id"`
	CoachID   int64     `json:"coach_id"`
	ClientID  int64     `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string     `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	SenderID       int64      `json:"sender_id"`
	Body           string     `json:"body"`
	MessageType    string     `json:"message_type"`
	AttachmentPath *string    `json:"attachment_path,omitempty"`
	AttachmentName *string    `json:"attachment_name,omitempty"`
	AttachmentMime *string    `json:"attachment_mime,omitempty"`
	AttachmentSize *int64     `json:"attachment_size,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// Before reports whether m sorts ahead of other in the conversation's
// (created_at, id) order.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

type ChatStatus struct {
	CanSend             bool   `json:"can_send"`
	Mode                string `json:"status"`
	HasActiveAssignment bool   `json:"has_active_assignment"`
}

type Assignment struct {
	ID        int64      `json:"id"`
	CoachID   int64      `json:"coach_id"`
	ClientID  int64      `json:"client_id"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type AttachmentInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
}

// APIError is a non-2xx response decoded into the server's error shape.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsReadOnly reports whether err is the server refusing a send because no
// active assignment covers the conversation.
func IsReadOnly(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == "read_only"
}

func IsForbidden(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusForbidden
}

func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Client calls the chat REST API. The zero value is not usable; construct it
// with NewClient.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Conversations []json.RawMessage `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	conversations := make([]Conversation, 0, len(out.Conversations))
	for _, raw := range out.Conversations {
		var conversation Conversation
		if err := json.Unmarshal(raw, &conversation); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		conversations = append(conversations, conversation)
	}
	return conversations, nil
}

func (c *Client) CreateConversation(ctx context.Context, counterpartID int64) (*Conversation, error) {
	body := map[string]any{"counterpart_id": counterpartID}
	var out struct {
		Conversation Conversation `json:"conversation"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/conversations", body, &out); err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

func (c *Client) Status(ctx context.Context, conversationID int64) (*ChatStatus, error) {
	var out ChatStatus
	path := fmt.Sprintf("/api/v1/conversations/%d/status", conversationID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Messages(ctx context.Context, conversationID int64, limit int, before *time.Time) ([]Message, error) {
	path := fmt.Sprintf("/api/v1/conversations/%d/messages", conversationID)
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		query.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) SendText(ctx context.Context, conversationID int64, body string) (*Message, error) {
	path := fmt.Sprintf("/api/v1/conversations/%d/messages", conversationID)
	var out struct {
		Message Message `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"body": body}, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

type AttachmentCommit struct {
	MessageID      string `json:"message_id"`
	Body           string `json:"body"`
	MessageType    string `json:"message_type"`
	AttachmentPath string `json:"attachment_path"`
	AttachmentName string `json:"attachment_name"`
	AttachmentMime string `json:"attachment_mime"`
	AttachmentSize int64  `json:"attachment_size"`
}

func (c *Client) CommitAttachment(ctx context.Context, conversationID int64, commit AttachmentCommit) (*Message, error) {
	path := fmt.Sprintf("/api/v1/conversations/%d/messages/attachment", conversationID)
	var out struct {
		Message Message `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, commit, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

func (c *Client) UploadAttachment(
	ctx context.Context,
	conversationID int64,
	messageID string,
	filename string,
	mime string,
	content io.Reader,
) (*AttachmentInfo, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("message_id", messageID); err != nil {
		return nil, err
	}
	partHeader := make(map[string][]string)
	partHeader["Content-Disposition"] = []string{
		fmt.Sprintf(`form-data; name="file"; filename=%q`, filename),
	}
	partHeader["Content-Type"] = []string{mime}
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/api/v1/conversations/%d/attachments", conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Attachment AttachmentInfo `json:"attachment"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out.Attachment, nil
}

func (c *Client) DeleteAttachment(ctx context.Context, conversationID int64, objectPath string) error {
	path := fmt.Sprintf("/api/v1/conversations/%d/attachments", conversationID)
	return c.doJSON(ctx, http.MethodDelete, path, map[string]any{"path": objectPath}, nil)
}

func (c *Client) SignedAttachmentURL(ctx context.Context, conversationID int64, objectPath string) (string, error) {
	path := fmt.Sprintf("/api/v1/conversations/%d/attachments/signed-url", conversationID)
	var out struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"path": objectPath}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID int64) (int, error) {
	path := fmt.Sprintf("/api/v1/conversations/%d/read", conversationID)
	var out struct {
		Read int `json:"read"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Read, nil
}

func (c *Client) CurrentAssignment(ctx context.Context) (*Assignment, error) {
	var out struct {
		Assignment *Assignment `json:"assignment"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/assignments/current", nil, &out); err != nil {
		return nil, err
	}
	return out.Assignment, nil
}

func (c *Client) SelectCoach(ctx context.Context, coachID int64) (*Assignment, error) {
	var out struct {
		Assignment *Assignment `json:"assignment"`
	}
	body := map[string]any{"coach_id": coachID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/assignments", body, &out); err != nil {
		return nil, err
	}
	return out.Assignment, nil
}

func (c *Client) EndAssignment(ctx context.Context, assignmentID int64) (*Assignment, error) {
	var out struct {
		Assignment *Assignment `json:"assignment"`
	}
	path := fmt.Sprintf("/api/v1/assignments/%d/end", assignmentID)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Assignment, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
