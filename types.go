package safetodo

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the REST backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsAPIStatus reports whether err is an APIError with the given status.
func IsAPIStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	return IsAPIStatus(err, http.StatusNotFound)
}

// IsUnauthorized reports whether err is an APIError with status 401 or 403.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden)
}

var (
	// ErrNotAuthenticated is returned by menu actions when no viewer is signed in.
	ErrNotAuthenticated = errors.New("safetodo: not authenticated")
	// ErrScopeForbidden is returned when a non-admin viewer selects another user's feed.
	ErrScopeForbidden = errors.New("safetodo: only admins may view another user's notifications")
	// ErrClosed is returned when a stopped component is used again.
	ErrClosed = errors.New("safetodo: closed")
)

// Page is the paginated list envelope used by every list endpoint.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification types emitted by the backend.
const (
	NotificationTaskAssigned   = "task_assigned"
	NotificationTaskUpdated    = "task_updated"
	NotificationTeamMembership = "team_membership"
)

// Notification is a server-owned notification reflected locally.
type Notification struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
	ReadAt    *string        `json:"read_at"`
	Recipient int64          `json:"recipient"`
}

// IsUnread reports whether the notification has no read timestamp.
func (n *Notification) IsUnread() bool {
	return n.ReadAt == nil || *n.ReadAt == ""
}

// Created returns the parsed creation time.
func (n *Notification) Created() (time.Time, bool) {
	return ParseTimestamp(n.CreatedAt)
}

// TaskRef returns the related task id from the payload, if any.
func (n *Notification) TaskRef() (string, bool) {
	return payloadRef(n.Payload, "task_id", "task")
}

// TeamRef returns the related team id from the payload, if any.
func (n *Notification) TeamRef() (string, bool) {
	return payloadRef(n.Payload, "team_id", "team")
}

func payloadRef(payload map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatInt(int64(v), 10), true
		case json.Number:
			return v.String(), true
		case int:
			return strconv.Itoa(v), true
		case int64:
			return strconv.FormatInt(v, 10), true
		}
	}
	return "", false
}

// NotificationFilter selects notifications for List.
type NotificationFilter struct {
	User     string
	Unread   *bool
	Type     string
	DateFrom string
	DateTo   string
	Page     int
	PageSize int
}

func (f *NotificationFilter) query() map[string]string {
	if f == nil {
		return nil
	}
	q := map[string]string{}
	if f.User != "" {
		q["user"] = f.User
	}
	if f.Unread != nil {
		q["unread"] = strconv.FormatBool(*f.Unread)
	}
	if f.Type != "" {
		q["type"] = f.Type
	}
	if f.DateFrom != "" {
		q["date_from"] = f.DateFrom
	}
	if f.DateTo != "" {
		q["date_to"] = f.DateTo
	}
	if f.Page > 0 {
		q["page"] = strconv.Itoa(f.Page)
	}
	if f.PageSize > 0 {
		q["page_size"] = strconv.Itoa(f.PageSize)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// DeletedResult is returned by bulk clear.
type DeletedResult struct {
	Deleted int `json:"deleted"`
}

// UpdatedResult is returned by mark-all-read.
type UpdatedResult struct {
	Updated int `json:"updated"`
}

// ============================================================================
// Users
// ============================================================================

// Roles understood by the notification scope selector.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// User is the subset of the user profile the notification subsystem reads.
type User struct {
	ID                      int64   `json:"id"`
	Username                string  `json:"username"`
	Email                   string  `json:"email,omitempty"`
	Role                    string  `json:"role,omitempty"`
	IsOnline                bool    `json:"is_online"`
	LastSeenAt              *string `json:"last_seen_at,omitempty"`
	NotificationsLastSeenAt *string `json:"notifications_last_seen_at,omitempty"`
}

// SeenResult is returned by the mark-notifications-seen endpoint.
type SeenResult struct {
	NotificationsLastSeenAt string `json:"notifications_last_seen_at"`
}

// ============================================================================
// Timestamps
// ============================================================================

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a server timestamp. Empty or unparseable values
// report ok=false so callers can treat them as absent.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t in the wire format used for date filters.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
