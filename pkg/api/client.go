// Package api is a small client for the storychat REST resources used by the
// chat session: thread and message listings, message request decisions and
// reading progress.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/storychat/pkg/logging"
	"github.com/aeolun/storychat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

const defaultTimeout = 30 * time.Second

// Error is returned for every non-2xx response
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status of err if it is an *Error, else 0
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Client talks to the REST API on behalf of one principal
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logrus.FieldLogger
}

// NewClient creates a client for baseURL (e.g. http://localhost:3001/api).
// An empty token sends unauthenticated requests.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: logging.Discard(),
	}
}

// SetLogger sets a logger for request tracing
func (c *Client) SetLogger(logger logrus.FieldLogger) {
	c.logger = logger
}

// SetHTTPClient replaces the underlying http.Client
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Authenticated reports whether requests carry a bearer token
func (c *Client) Authenticated() bool {
	return c.token != ""
}

// ListThreads returns the principal's chat threads
func (c *Client) ListThreads(ctx context.Context) ([]protocol.ChatThread, error) {
	var threads []protocol.ChatThread
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &threads); err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return threads, nil
}

// GetThread returns a single thread
func (c *Client) GetThread(ctx context.Context, threadID string) (*protocol.ChatThread, error) {
	var thread protocol.ChatThread
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(threadID), nil, &thread); err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}
	return &thread, nil
}

// ListMessages returns the messages of a thread. Page 0 means the server default.
func (c *Client) ListMessages(ctx context.Context, threadID string, page int) ([]protocol.Message, error) {
	path := "/chats/" + url.PathEscape(threadID) + "/messages"
	if page > 0 {
		path += "?page=" + strconv.Itoa(page)
	}

	var messages []protocol.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", threadID, err)
	}
	return messages, nil
}

// SendMessageRequest proposes first contact to toUserID
func (c *Client) SendMessageRequest(ctx context.Context, toUserID, preview string) error {
	body := map[string]string{"toUserId": toUserID, "preview": preview}
	if err := c.do(ctx, http.MethodPost, "/chats/request", body, nil); err != nil {
		return fmt.Errorf("failed to send message request: %w", err)
	}
	return nil
}

// AcceptMessageRequest accepts a pending request addressed to the principal
func (c *Client) AcceptMessageRequest(ctx context.Context, requestID string) error {
	path := "/chats/request/" + url.PathEscape(requestID) + "/accept"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to accept request %s: %w", requestID, err)
	}
	return nil
}

// RejectMessageRequest rejects a pending request addressed to the principal
func (c *Client) RejectMessageRequest(ctx context.Context, requestID string) error {
	path := "/chats/request/" + url.PathEscape(requestID) + "/reject"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to reject request %s: %w", requestID, err)
	}
	return nil
}

// GetProgress returns the stored reading progress for a story
func (c *Client) GetProgress(ctx context.Context, storyID string) (*protocol.ReadingProgress, error) {
	var progress protocol.ReadingProgress
	if err := c.do(ctx, http.MethodGet, "/users/me/progress/"+url.PathEscape(storyID), nil, &progress); err != nil {
		return nil, fmt.Errorf("failed to load progress for %s: %w", storyID, err)
	}
	if progress.StoryID == "" {
		progress.StoryID = storyID
	}
	return &progress, nil
}

// SaveProgress stores reading progress for a story
func (c *Client) SaveProgress(ctx context.Context, progress protocol.ReadingProgress) error {
	if err := c.do(ctx, http.MethodPost, "/users/me/progress", progress, nil); err != nil {
		return fmt.Errorf("failed to save progress for %s: %w", progress.StoryID, err)
	}
	return nil
}

// do performs a JSON request and decodes the response into out (if non-nil).
// Responses may be the bare value or wrapped as {"data": value}.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("API request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	return decodeBody(data, out)
}

func errorFromResponse(status int, data []byte) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return &Error{Status: status, Message: "An error occurred"}
	}
	if body.Message == "" {
		return &Error{Status: status, Message: fmt.Sprintf("HTTP error! status: %d", status)}
	}
	return &Error{Status: status, Message: body.Message}
}

func decodeBody(data []byte, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '{' {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err == nil && len(wrapped.Data) > 0 && string(wrapped.Data) != "null" {
			trimmed = wrapped.Data
		}
	}

	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
