package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultUsername = "opencode"

// Client handles HTTP interactions with an OpenCode server. Every request is
// scoped to one workspace via a ?directory= query parameter.
type Client struct {
	baseURL   string
	directory string
	username  string
	password  string
	http      *http.Client
	httpSSE   *http.Client // no timeout, used for long-lived SSE streams
}

// APIError captures non-2xx responses from the OpenCode server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("opencode api error (%d): %s", e.StatusCode, e.Body)
}

// NormalizeBaseURL ensures a base URL is valid and has no trailing slash.
func NormalizeBaseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("base url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("invalid base url")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String(), nil
}

// NewClient constructs an OpenCode client scoped to a workspace directory,
// with basic auth if a password is provided.
func NewClient(baseURL, directory, username, password string) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	user := strings.TrimSpace(username)
	if user == "" {
		user = defaultUsername
	}
	return &Client{
		baseURL:   normalized,
		directory: strings.TrimSpace(directory),
		username:  user,
		password:  strings.TrimSpace(password),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		httpSSE: &http.Client{}, // no timeout for long-lived SSE streams
	}, nil
}

// BaseURL returns the normalized base URL for the client.
func (c *Client) BaseURL() string {
	if c == nil {
		return ""
	}
	return c.baseURL
}

// endpoint appends the workspace directory parameter to a path.
func (c *Client) endpoint(path string) string {
	full := c.baseURL + path
	if c.directory == "" {
		return full
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return full + sep + "directory=" + url.QueryEscape(c.directory)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	return decoder.Decode(out)
}

// Health reports whether the server is up. True only when the health endpoint
// answers {"healthy": true}.
func (c *Client) Health(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return false
	}
	var body struct {
		Healthy bool `json:"healthy"`
	}
	if err := c.do(req, &body); err != nil {
		return false
	}
	return body.Healthy
}

// ListSessions returns all sessions for the workspace.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/session", nil)
	if err != nil {
		return nil, err
	}
	var sessions []Session
	if err := c.do(req, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession creates a new session with an optional title.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	payload := map[string]any{}
	if strings.TrimSpace(title) != "" {
		payload["title"] = strings.TrimSpace(title)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/session", payload)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := c.do(req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession deletes an OpenCode session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	req, err := c.newRequest(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// RenameSession updates the title of an OpenCode session.
func (c *Client) RenameSession(ctx context.Context, sessionID, title string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	payload := map[string]any{
		"title": strings.TrimSpace(title),
	}
	req, err := c.newRequest(ctx, http.MethodPatch, "/session/"+url.PathEscape(sessionID), payload)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// KnownMessageIDs fetches the IDs of all messages that already exist in a
// session, used as a deduplication baseline before a prompt is submitted.
func (c *Client) KnownMessageIDs(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id is required")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil)
	if err != nil {
		return nil, err
	}
	var messages []MessageWithParts
	if err := c.do(req, &messages); err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(messages))
	for _, msg := range messages {
		if msg.Info.ID != "" {
			ids[msg.Info.ID] = struct{}{}
		}
	}
	return ids, nil
}

// SendPromptAsync submits a prompt to a session. The server accepts it
// immediately; the assistant response is delivered via the event stream.
func (c *Client) SendPromptAsync(ctx context.Context, sessionID, messageID string, parts []PartInput) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	if len(parts) == 0 {
		return errors.New("message parts are required")
	}
	payload := map[string]any{
		"parts": parts,
	}
	if strings.TrimSpace(messageID) != "" {
		payload["messageID"] = strings.TrimSpace(messageID)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", payload)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Abort requests the server stop the in-flight generation for a session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// SessionStatuses queries busy/idle state for every session in the workspace.
func (c *Client) SessionStatuses(ctx context.Context) (map[string]SessionStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/session/status", nil)
	if err != nil {
		return nil, err
	}
	var statuses map[string]SessionStatus
	if err := c.do(req, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// IsAuthError returns true if the error is an auth error.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}
