package safetodo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Viewer identifies the signed-in user the reconciliation state belongs to.
type Viewer struct {
	ID   string
	Role string
}

// IsAdmin reports whether the viewer may read other users' feeds.
func (v Viewer) IsAdmin() bool { return v.Role == RoleAdmin }

// Reconciler combines the unseen count, the lastSeenAt watermark and the
// per-viewer menuClearedAt watermark into the badge decision and the
// filtered menu list.
//
// lastSeenAt is updated optimistically and then overwritten by the server's
// mark-seen response in arrival order. menuClearedAt only moves forward and
// is persisted under a key scoped by viewer.
type Reconciler struct {
	store  WatermarkStore
	logger *slog.Logger
	now    func() time.Time

	mu            sync.RWMutex
	authenticated bool
	viewer        Viewer
	lastSeen      time.Time
	hasLastSeen   bool
	menuClearedAt int64
	suppressed    bool
}

// NewReconciler creates an unauthenticated reconciler persisting to store.
// A nil store keeps watermarks in memory.
func NewReconciler(store WatermarkStore, logger *slog.Logger) *Reconciler {
	if store == nil {
		store = NewMemoryStorage()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		logger: logger.With(slog.String("component", "reconciler")),
		now:    time.Now,
	}
}

// SetViewer marks the reconciler authenticated as v. Switching to a
// different viewer drops lastSeenAt and loads that viewer's menuClearedAt.
func (r *Reconciler) SetViewer(ctx context.Context, v Viewer) error {
	r.mu.Lock()
	same := r.authenticated && r.viewer.ID == v.ID
	r.authenticated = true
	r.viewer = v
	if same {
		r.mu.Unlock()
		return nil
	}
	r.lastSeen, r.hasLastSeen = time.Time{}, false
	r.menuClearedAt = 0
	r.suppressed = false
	r.mu.Unlock()

	ms, ok, err := r.store.Load(ctx, MenuClearedKey(v.ID))
	if err != nil {
		return fmt.Errorf("load menu watermark: %w", err)
	}
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.viewer.ID == v.ID && ms > r.menuClearedAt {
		r.menuClearedAt = ms
	}
	return nil
}

// Reset clears all local state. Called on authentication loss.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authenticated = false
	r.viewer = Viewer{}
	r.lastSeen, r.hasLastSeen = time.Time{}, false
	r.menuClearedAt = 0
	r.suppressed = false
}

func (r *Reconciler) Authenticated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authenticated
}

func (r *Reconciler) Viewer() Viewer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewer
}

// LastSeenAt returns the current seen watermark. ok is false when it is
// unset or was unparseable.
func (r *Reconciler) LastSeenAt() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeen, r.hasLastSeen
}

// SetLastSeen syncs lastSeenAt from the user profile. A nil or unparseable
// value clears it.
func (r *Reconciler) SetLastSeen(raw *string) {
	var t time.Time
	ok := false
	if raw != nil {
		t, ok = ParseTimestamp(*raw)
		if !ok && *raw != "" {
			r.logger.Debug("ignoring unparseable notifications_last_seen_at", slog.String("value", *raw))
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen, r.hasLastSeen = t, ok
}

// MarkSeenOptimistic moves lastSeenAt to now ahead of server confirmation
// and suppresses the badge until a fresh unseen count is observed.
func (r *Reconciler) MarkSeenOptimistic() time.Time {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen, r.hasLastSeen = now, true
	r.suppressed = true
	return now
}

// ApplySeenResponse overwrites lastSeenAt with the server's timestamp. The
// latest response to arrive wins. Unparseable values leave the current
// watermark in place.
func (r *Reconciler) ApplySeenResponse(raw string) bool {
	t, ok := ParseTimestamp(raw)
	if !ok {
		r.logger.Warn("mark-seen response carried an unparseable timestamp", slog.String("value", raw))
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.authenticated {
		return false
	}
	r.lastSeen, r.hasLastSeen = t, true
	return true
}

// ClearMenu moves menuClearedAt to now (never backwards), persists it for
// the current viewer and suppresses the badge. The in-memory watermark is
// kept even when persisting fails.
func (r *Reconciler) ClearMenu(ctx context.Context) (int64, error) {
	ms := r.now().UnixMilli()

	r.mu.Lock()
	if !r.authenticated {
		r.mu.Unlock()
		return 0, ErrNotAuthenticated
	}
	if ms < r.menuClearedAt {
		ms = r.menuClearedAt
	}
	r.menuClearedAt = ms
	r.suppressed = true
	key := MenuClearedKey(r.viewer.ID)
	r.mu.Unlock()

	if err := r.store.Advance(ctx, key, ms); err != nil {
		return ms, fmt.Errorf("persist menu watermark: %w", err)
	}
	return ms, nil
}

// MenuClearedAt returns the menu watermark in milliseconds since epoch.
func (r *Reconciler) MenuClearedAt() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.menuClearedAt
}

// ObserveUnseen records a fresh unseen count computed against the watermark
// since. It lifts the suppression set by clear or open once the count
// reflects the current lastSeenAt; counts computed against an older
// watermark are ignored.
func (r *Reconciler) ObserveUnseen(since time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasLastSeen && since.Before(r.lastSeen) {
		return
	}
	r.suppressed = false
}

// ShowBadge is true exactly when the menu is closed, the viewer is
// authenticated, no clear or open is pending confirmation, and unseen > 0.
func (r *Reconciler) ShowBadge(open bool, unseen int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !open && r.authenticated && !r.suppressed && unseen > 0
}

// FilterMenu drops notifications created at or before menuClearedAt, and
// those whose creation time cannot be parsed.
func (r *Reconciler) FilterMenu(items []Notification) []Notification {
	cleared := r.MenuClearedAt()
	out := make([]Notification, 0, len(items))
	for _, n := range items {
		created, ok := n.Created()
		if !ok {
			continue
		}
		if created.UnixMilli() <= cleared {
			continue
		}
		out = append(out, n)
	}
	return out
}
