// ABOUTME: HTTP client for the alert response backend REST API
// ABOUTME: Session detail, chat lifecycle and message operations with typed errors

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// FetchError is returned when a read operation fails. Existing client state
// is never corrupted by a failed fetch.
type FetchError struct {
	Op         string // operation that failed, e.g. "get session detail"
	StatusCode int    // zero when the request never reached the server
	Message    string // human-readable message for display
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// SendError is returned when a chat message write fails. Callers roll back
// optimistic state and surface Message to the user.
type SendError struct {
	StatusCode int
	Message    string
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sending message: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("sending message: %s", e.Message)
}

// errorBody is the backend's JSON error envelope.
type errorBody struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Client talks to the backend REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates an API client for the given base URL. token may be empty
// when the deployment fronts the API with an auth proxy. Pass nil logger for
// default.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "api"),
	}
}

// GetSessionDetail fetches the full snapshot for one session.
func (c *Client) GetSessionDetail(ctx context.Context, sessionID string) (*SessionDetail, error) {
	var detail SessionDetail
	path := "/api/v1/sessions/" + url.PathEscape(sessionID)
	if err := c.get(ctx, "get session detail", path, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetChatMessages fetches all user messages for a chat.
func (c *Client) GetChatMessages(ctx context.Context, chatID string) ([]ChatUserMessage, error) {
	var out struct {
		Messages []ChatUserMessage `json:"messages"`
	}
	path := "/api/v1/chats/" + url.PathEscape(chatID) + "/messages"
	if err := c.get(ctx, "get chat messages", path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CheckChatAvailable reports whether a follow-up chat can be opened for the
// session.
func (c *Client) CheckChatAvailable(ctx context.Context, sessionID string) (*ChatAvailability, error) {
	var avail ChatAvailability
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/chat-availability"
	if err := c.get(ctx, "check chat availability", path, &avail); err != nil {
		return nil, err
	}
	return &avail, nil
}

// CreateChat opens the follow-up chat for a session.
func (c *Client) CreateChat(ctx context.Context, sessionID, createdBy string) (*Chat, error) {
	body := map[string]string{
		"session_id": sessionID,
		"created_by": createdBy,
	}
	var chat Chat
	if err := c.post(ctx, "create chat", "/api/v1/chats", body, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// SendChatMessage posts a user message to a chat and returns the
// server-confirmed record.
func (c *Client) SendChatMessage(ctx context.Context, chatID, content, author string) (*ChatUserMessage, error) {
	body := map[string]string{
		"content": content,
		"author":  author,
	}
	path := "/api/v1/chats/" + url.PathEscape(chatID) + "/messages"

	var msg ChatUserMessage
	if err := c.post(ctx, "send chat message", path, body, &msg); err != nil {
		// The write path gets its own error type so callers can tell a
		// failed send from a failed read.
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, &SendError{StatusCode: fe.StatusCode, Message: fe.Message}
		}
		return nil, &SendError{Message: err.Error()}
	}
	return &msg, nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &FetchError{Op: op, Message: err.Error()}
	}
	return c.do(op, req, out)
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &FetchError{Op: op, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &FetchError{Op: op, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &FetchError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &FetchError{Op: op, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := httpErrorMessage(respBody, resp.StatusCode)
		c.logger.Debug("request failed", "op", op, "status", resp.StatusCode, "message", msg)
		return &FetchError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &FetchError{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// httpErrorMessage extracts a display message from an error response body,
// falling back to the HTTP status text.
func httpErrorMessage(body []byte, status int) string {
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
		return eb.Message
	}
	return http.StatusText(status)
}
