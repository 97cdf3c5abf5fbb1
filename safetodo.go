// Package safetodo provides the Go client for the SafeTodo task-management API
// and its real-time notification channel.
//
// The REST surface is exposed through sub-clients, and the notification
// subsystem (push channel, query cache, unread/unseen reconciliation and the
// notification menu) is wired together by Notifier.
//
// Example:
//
//	client := safetodo.NewClient(token, safetodo.WithBaseURL("https://api.safetodo.dev"))
//
//	page, _ := client.Notifications.List(ctx, &safetodo.NotificationFilter{PageSize: 10})
//	me, _ := client.Users.Me(ctx)
//
//	n := safetodo.NewNotifier(client, nil)
//	n.SetAuth(ctx, safetodo.Auth{Token: token, ViewerID: "42", Role: safetodo.RoleMember})
//	defer n.Close()
package safetodo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ============================================================================
// Environment
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	apiPrefix    = "/api"
	channelPath  = "/ws/notifications/"
	requestIDHdr = "X-Request-ID"
	authScheme   = "Token "
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	tokenMu sync.RWMutex
	token   string

	Notifications *NotificationsClient
	Users         *UsersClient
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

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRateLimit caps outbound requests at rps with the given burst. Refetch
// storms after bursts of pushed notifications wait here instead of hammering
// the backend.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient creates a new client. token may be empty for anonymous use.
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
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.Notifications = &NotificationsClient{c: c}
	c.Users = &UsersClient{c: c}
	return c
}

// SetToken sets or updates the auth token used for REST calls.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// Token returns the current auth token.
func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ChannelURL derives the push channel URL from the API origin: the scheme is
// translated (https → wss, http → ws) and the token, when present, is
// appended as a query credential.
func (c *Client) ChannelURL(token string) string {
	return channelURL(c.baseURL, token)
}

func channelURL(origin, token string) string {
	base := strings.TrimRight(origin, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if token != "" {
		return base + channelPath + "?token=" + url.QueryEscape(token)
	}
	return base + channelPath
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	u := c.baseURL + apiPrefix + path
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

	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHdr, reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", authScheme+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if len(data) > 0 && json.Unmarshal(data, apiErr) != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("api request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("request_id", reqID),
		)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func do[T any](ctx context.Context, c *Client, method, path string, body interface{}, query map[string]string) (*T, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationsClient handles the notification endpoints.
type NotificationsClient struct{ c *Client }

// List returns one page of notifications matching filter.
func (n *NotificationsClient) List(ctx context.Context, filter *NotificationFilter) (*Page[Notification], error) {
	return do[Page[Notification]](ctx, n.c, "GET", "/notifications/", nil, filter.query())
}

// MarkRead marks a notification as read.
func (n *NotificationsClient) MarkRead(ctx context.Context, id int64) (*Notification, error) {
	return do[Notification](ctx, n.c, "POST", fmt.Sprintf("/notifications/%d/read/", id), nil, nil)
}

// MarkUnread clears a notification's read timestamp.
func (n *NotificationsClient) MarkUnread(ctx context.Context, id int64) (*Notification, error) {
	return do[Notification](ctx, n.c, "POST", fmt.Sprintf("/notifications/%d/unread/", id), nil, nil)
}

// Delete removes a single notification.
func (n *NotificationsClient) Delete(ctx context.Context, id int64) error {
	_, err := n.c.doRequest(ctx, "DELETE", fmt.Sprintf("/notifications/%d/", id), nil, nil)
	return err
}

// Clear deletes every notification of user (the caller's own when empty).
func (n *NotificationsClient) Clear(ctx context.Context, user string) (*DeletedResult, error) {
	return do[DeletedResult](ctx, n.c, "DELETE", "/notifications/clear/", nil, userQuery(user))
}

// MarkAllRead marks every notification of user as read.
func (n *NotificationsClient) MarkAllRead(ctx context.Context, user string) (*UpdatedResult, error) {
	return do[UpdatedResult](ctx, n.c, "POST", "/notifications/mark-all-read/", nil, userQuery(user))
}

// UnreadCount returns how many notifications of user have no read timestamp.
func (n *NotificationsClient) UnreadCount(ctx context.Context, user string) (int, error) {
	unread := true
	page, err := n.List(ctx, &NotificationFilter{User: user, Unread: &unread, PageSize: 1})
	if err != nil {
		return 0, err
	}
	return page.Count, nil
}

// UnseenCount returns how many notifications of user were created after
// since. A zero since counts everything.
func (n *NotificationsClient) UnseenCount(ctx context.Context, user string, since time.Time) (int, error) {
	filter := &NotificationFilter{User: user, PageSize: 1}
	if !since.IsZero() {
		filter.DateFrom = FormatTimestamp(since)
	}
	page, err := n.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return page.Count, nil
}

func userQuery(user string) map[string]string {
	if user == "" {
		return nil
	}
	return map[string]string{"user": user}
}

// ============================================================================
// Users
// ============================================================================

// UsersClient handles the user endpoints the notification subsystem needs.
type UsersClient struct{ c *Client }

// Me returns the current user's profile.
func (u *UsersClient) Me(ctx context.Context) (*User, error) {
	return do[User](ctx, u.c, "GET", "/users/me/", nil, nil)
}

// MarkNotificationsSeen moves the server-side "seen" watermark to now and
// returns the authoritative timestamp.
func (u *UsersClient) MarkNotificationsSeen(ctx context.Context) (*SeenResult, error) {
	return do[SeenResult](ctx, u.c, "POST", "/users/mark-notifications-seen/", nil, nil)
}

// List returns one page of users, including their presence flags.
func (u *UsersClient) List(ctx context.Context, page, pageSize int) (*Page[User], error) {
	q := map[string]string{}
	if page > 0 {
		q["page"] = fmt.Sprintf("%d", page)
	}
	if pageSize > 0 {
		q["page_size"] = fmt.Sprintf("%d", pageSize)
	}
	if len(q) == 0 {
		q = nil
	}
	return do[Page[User]](ctx, u.c, "GET", "/users/", nil, q)
}
