package safetodo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Navigation targets for notification click-through.
const (
	PathTasks = "/tasks"
	PathTeams = "/teams"
)

// Navigator receives click-through navigation requests.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }

// MenuConfig configures a MenuSession.
type MenuConfig struct {
	// MenuSize is how many recent notifications the menu lists.
	MenuSize int
	// StaleTime is how long fetched counts and lists are served from cache.
	StaleTime time.Duration
	Navigator Navigator
	Logger    *slog.Logger
}

func (c *MenuConfig) defaults() {
	if c.MenuSize <= 0 {
		c.MenuSize = 10
	}
	if c.StaleTime == 0 {
		c.StaleTime = 30 * time.Second
	}
	if c.Navigator == nil {
		c.Navigator = NavigatorFunc(func(string) {})
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// MenuSnapshot is what the presentation layer renders.
type MenuSnapshot struct {
	Open      bool `json:"open"`
	ShowBadge bool `json:"show_badge"`
	// BadgeCount is the unseen count; it is only displayed when ShowBadge is set.
	BadgeCount    int            `json:"badge_count"`
	UnreadCount   int            `json:"unread_count"`
	Notifications []Notification `json:"notifications,omitempty"`
}

// MenuSession controls the notification menu: its open state, the
// mark-seen side effects of opening and clearing, and click-through.
type MenuSession struct {
	client *Client
	cache  *QueryCache
	rec    *Reconciler
	cfg    MenuConfig
	logger *slog.Logger

	mu    sync.Mutex
	open  bool
	scope string
}

// NewMenuSession creates a closed menu session.
func NewMenuSession(client *Client, cache *QueryCache, rec *Reconciler, config *MenuConfig) *MenuSession {
	var cfg MenuConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &MenuSession{
		client: client,
		cache:  cache,
		rec:    rec,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "menu")),
	}
}

// IsOpen reports whether the menu is open.
func (m *MenuSession) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Scope returns the user whose feed is shown; empty means the viewer's own.
func (m *MenuSession) Scope() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// SetScope selects whose notifications the menu shows. Only admins may pick
// another user; an empty userID returns to the viewer's own feed.
func (m *MenuSession) SetScope(userID string) error {
	v := m.rec.Viewer()
	if userID != "" && userID != v.ID && !v.IsAdmin() {
		return ErrScopeForbidden
	}
	if userID == v.ID {
		userID = ""
	}
	m.mu.Lock()
	m.scope = userID
	m.mu.Unlock()
	return nil
}

// Toggle flips the menu and returns the new state. Opening runs the
// mark-seen sequence.
func (m *MenuSession) Toggle(ctx context.Context) (bool, error) {
	if m.IsOpen() {
		m.Close()
		return false, nil
	}
	return true, m.Open(ctx)
}

// Open opens the menu. On the closed to open transition it updates lastSeenAt
// optimistically, confirms it with the server, and force-refetches the menu
// list and the unread count. Errors leave the menu open and the optimistic
// state in place.
func (m *MenuSession) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.open {
		m.mu.Unlock()
		return nil
	}
	m.open = true
	m.mu.Unlock()

	if !m.rec.Authenticated() {
		return nil
	}

	var errs []error
	if err := m.markSeen(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := m.fetchMenu(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("refresh menu: %w", err))
	}
	if _, err := m.fetchUnread(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("refresh unread count: %w", err))
	}
	return errors.Join(errs...)
}

// Close closes the menu. The badge may reappear once new unseen
// notifications are counted.
func (m *MenuSession) Close() {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
}

// Clear hides every notification currently in the menu by advancing the
// viewer's menuClearedAt watermark, then runs the mark-seen sequence. The
// badge is suppressed immediately.
func (m *MenuSession) Clear(ctx context.Context) error {
	if !m.rec.Authenticated() {
		return ErrNotAuthenticated
	}

	var errs []error
	if _, err := m.rec.ClearMenu(ctx); err != nil {
		m.logger.Warn("menu watermark not persisted", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := m.markSeen(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Click handles selection of a menu entry: an unread notification is marked
// read, then the viewer is sent to the related task or team list and the
// menu closes.
func (m *MenuSession) Click(ctx context.Context, n Notification) error {
	if n.IsUnread() {
		if _, err := m.client.Notifications.MarkRead(ctx, n.ID); err != nil {
			m.logger.Warn("mark read failed", slog.Int64("id", n.ID), slog.String("error", err.Error()))
			return fmt.Errorf("mark notification %d read: %w", n.ID, err)
		}
		m.cache.Invalidate(KeyNotificationsUnread)
		m.cache.Invalidate(KeyNotifications)
	}

	if _, ok := n.TaskRef(); ok {
		m.cfg.Navigator.Navigate(PathTasks)
	} else if _, ok := n.TeamRef(); ok {
		m.cfg.Navigator.Navigate(PathTeams)
	}
	m.Close()
	return nil
}

// MarkAllRead marks every notification in scope read.
func (m *MenuSession) MarkAllRead(ctx context.Context) (int, error) {
	if !m.rec.Authenticated() {
		return 0, ErrNotAuthenticated
	}
	res, err := m.client.Notifications.MarkAllRead(ctx, m.Scope())
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	m.cache.Invalidate(KeyNotificationsUnread)
	m.cache.Invalidate(KeyNotifications)
	return res.Updated, nil
}

// ClearAll deletes every notification in scope on the server.
func (m *MenuSession) ClearAll(ctx context.Context) (int, error) {
	if !m.rec.Authenticated() {
		return 0, ErrNotAuthenticated
	}
	res, err := m.client.Notifications.Clear(ctx, m.Scope())
	if err != nil {
		return 0, fmt.Errorf("clear notifications: %w", err)
	}
	m.cache.Invalidate(KeyNotificationsUnread)
	m.cache.Invalidate(KeyNotifications)
	return res.Deleted, nil
}

// Snapshot computes the badge and, while open, the filtered menu list from
// cached queries, fetching whatever is missing or stale.
func (m *MenuSession) Snapshot(ctx context.Context) (*MenuSnapshot, error) {
	open := m.IsOpen()
	snap := &MenuSnapshot{Open: open}
	if !m.rec.Authenticated() {
		return snap, nil
	}

	unseen, err := m.fetchUnseen(ctx)
	if err != nil {
		return snap, fmt.Errorf("unseen count: %w", err)
	}
	snap.BadgeCount = unseen
	snap.ShowBadge = m.rec.ShowBadge(open, unseen)

	unread, err := m.fetchUnread(ctx, false)
	if err != nil {
		return snap, fmt.Errorf("unread count: %w", err)
	}
	snap.UnreadCount = unread

	if open {
		page, err := m.fetchMenu(ctx, false)
		if err != nil {
			return snap, fmt.Errorf("menu list: %w", err)
		}
		snap.Notifications = m.rec.FilterMenu(page.Results)
	}
	return snap, nil
}

// ── internal ─────────────────────────────────────────────

// markSeen runs the optimistic update, the server confirmation, the mirror
// into the cached profile and the unseen invalidation.
func (m *MenuSession) markSeen(ctx context.Context) error {
	m.rec.MarkSeenOptimistic()
	m.cache.Invalidate(KeyNotificationsUnseen)

	res, err := m.client.Users.MarkNotificationsSeen(ctx)
	if err != nil {
		m.logger.Warn("mark seen failed; keeping optimistic watermark", slog.String("error", err.Error()))
		return fmt.Errorf("mark notifications seen: %w", err)
	}

	if m.rec.ApplySeenResponse(res.NotificationsLastSeenAt) {
		seen := res.NotificationsLastSeenAt
		m.cache.Update(KeyMe, func(_ QueryKey, data any) (any, bool) {
			me, ok := data.(*User)
			if !ok || me == nil {
				return data, false
			}
			cp := *me
			cp.NotificationsLastSeenAt = &seen
			return &cp, true
		})
	}
	m.cache.Invalidate(KeyNotificationsUnseen)
	return nil
}

func (m *MenuSession) scopeKey() string {
	if s := m.Scope(); s != "" {
		return s
	}
	return "self"
}

func (m *MenuSession) fetchUnseen(ctx context.Context) (int, error) {
	since, ok := m.rec.LastSeenAt()
	sinceKey := ""
	if ok {
		sinceKey = FormatTimestamp(since)
	}
	key := append(QueryKey{}, KeyNotificationsUnseen...)
	key = append(key, m.scopeKey(), sinceKey)
	scope := m.Scope()

	return Fetch(ctx, m.cache, key, FetchOptions{StaleTime: m.cfg.StaleTime},
		func(ctx context.Context) (int, error) {
			n, err := m.client.Notifications.UnseenCount(ctx, scope, since)
			if err != nil {
				return 0, err
			}
			m.rec.ObserveUnseen(since)
			return n, nil
		})
}

func (m *MenuSession) fetchUnread(ctx context.Context, force bool) (int, error) {
	key := append(QueryKey{}, KeyNotificationsUnread...)
	key = append(key, m.scopeKey())
	scope := m.Scope()

	return Fetch(ctx, m.cache, key, FetchOptions{StaleTime: m.cfg.StaleTime, Force: force},
		func(ctx context.Context) (int, error) {
			return m.client.Notifications.UnreadCount(ctx, scope)
		})
}

func (m *MenuSession) fetchMenu(ctx context.Context, force bool) (*Page[Notification], error) {
	key := append(QueryKey{}, KeyNotificationsMenu...)
	key = append(key, m.scopeKey(), strconv.Itoa(m.cfg.MenuSize))
	filter := &NotificationFilter{User: m.Scope(), PageSize: m.cfg.MenuSize}

	return Fetch(ctx, m.cache, key, FetchOptions{StaleTime: m.cfg.StaleTime, Force: force},
		func(ctx context.Context) (*Page[Notification], error) {
			return m.client.Notifications.List(ctx, filter)
		})
}
