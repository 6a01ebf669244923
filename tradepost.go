// Package tradepost is the Go client for the Tradepost marketplace
// messaging API.
//
// It reconciles REST-loaded history, the realtime socket stream, and
// local sends into one consistent timeline per conversation, and keeps
// the conversation list in sync as activity arrives.
//
// Example:
//
//	m, _ := tradepost.NewMessenger(tradepost.MessengerConfig{
//		Token:  token,
//		SelfID: userID,
//	})
//	m.Start(ctx)
//	defer m.Close()
//
//	m.Open(ctx, conversationID)
//	m.Composer().SetText("Still available?")
//	m.Composer().Submit(ctx)
package tradepost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://api.tradepost.example"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST fallback client. It exposes the same logical
// operations as the realtime channel over request/response calls and is
// used whenever the channel is not connected.
type Client struct {
	token      string
	baseURL    string
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

// NewClient creates a new Tradepost API client. The token is the opaque
// bearer string obtained from the session layer.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
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

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}
	return data, nil
}

// apiErrorFrom turns a non-2xx response into an *APIError, preferring the
// server-provided message over the generic one.
func apiErrorFrom(status int, body []byte) error {
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil {
		if env.Error != nil && env.Error.Message != "" {
			return env.Error
		}
		if env.Message != "" {
			return &APIError{Message: env.Message}
		}
	}
	return &APIError{Message: fmt.Sprintf("request failed with status %d", status)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations fetches the caller's conversation list, most recently
// updated first.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var conversations []Conversation
	if err := json.Unmarshal(data, &conversations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return conversations, nil
}

// GetConversation fetches one conversation with its message history.
// Fetching also marks the conversation read server-side.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*ConversationDetail, error) {
	data, err := c.doRequest(ctx, "GET", "/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationDetail](data)
}

// PostMessage sends a message over REST and returns the persisted message.
// attachmentURL is required for kind "image" and ignored for "text". Each
// call carries a fresh client id so a retried request cannot persist the
// message twice.
func (c *Client) PostMessage(ctx context.Context, conversationID, content string, kind MessageKind, attachmentURL string) (*Message, error) {
	payload := map[string]interface{}{
		"content":  content,
		"type":     kind,
		"clientId": uuid.NewString(),
	}
	if attachmentURL != "" {
		payload["attachmentUrl"] = attachmentURL
	}
	data, err := c.doRequest(ctx, "POST", "/conversations/"+conversationID, payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// ============================================================================
// Image upload
// ============================================================================

// UploadImage uploads an image for attachment to a message and returns
// the attachment URL. The caller is responsible for validating the file
// before upload (see Composer.Attach).
func (c *Client) UploadImage(ctx context.Context, data []byte, filename, conversationID string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.WriteField("conversationId", conversationID); err != nil {
		return "", fmt.Errorf("failed to write form field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", apiErrorFrom(resp.StatusCode, body)
	}

	result, err := decodeJSON[uploadResult](body)
	if err != nil {
		return "", err
	}
	if result.URL == "" {
		return "", &APIError{Message: "upload succeeded but no URL was returned"}
	}
	return result.URL, nil
}

// ============================================================================
// Announcements
// ============================================================================

// ListAnnouncements fetches the broadcast announcement list.
func (c *Client) ListAnnouncements(ctx context.Context) ([]Announcement, error) {
	data, err := c.doRequest(ctx, "GET", "/announcements", nil, nil)
	if err != nil {
		return nil, err
	}
	var announcements []Announcement
	if err := json.Unmarshal(data, &announcements); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return announcements, nil
}

// MarkAnnouncementRead marks one announcement read server-side.
func (c *Client) MarkAnnouncementRead(ctx context.Context, announcementID string) error {
	_, err := c.doRequest(ctx, "POST", "/announcements/"+announcementID+"/read", nil, nil)
	return err
}
