package safetodo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Auth is the authentication state the notification subsystem follows. The
// zero value means signed out.
type Auth struct {
	Token    string
	ViewerID string
	Role     string
}

// NotifierConfig configures a Notifier. Every field is optional.
type NotifierConfig struct {
	Store      WatermarkStore
	Channel    *ChannelConfig
	Menu       *MenuConfig
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	// RosterStaleTime is how long the user roster is served from cache.
	// Presence changes are patched in by the push channel meanwhile.
	RosterStaleTime time.Duration
}

// Notifier wires the notification subsystem for one session: the push
// channel feeds the dispatcher, the dispatcher invalidates the query cache,
// and the menu session reads the cache through the reconciler.
type Notifier struct {
	client *Client
	logger *slog.Logger

	Cache      *QueryCache
	Reconciler *Reconciler
	Dispatcher *Dispatcher
	Channel    *ChannelManager
	Menu       *MenuSession
	Metrics    *ChannelMetrics

	rosterStale time.Duration

	mu     sync.Mutex
	auth   Auth
	closed bool
}

// NewNotifier builds the subsystem around client. It stays signed out until
// SetAuth is called.
func NewNotifier(client *Client, config *NotifierConfig) *Notifier {
	var cfg NotifierConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RosterStaleTime == 0 {
		cfg.RosterStaleTime = 5 * time.Minute
	}

	metrics := NewChannelMetrics(cfg.Registerer)
	cache := NewQueryCache()
	rec := NewReconciler(cfg.Store, cfg.Logger)
	disp := NewDispatcher(cache, cfg.Logger, metrics)

	var chCfg ChannelConfig
	if cfg.Channel != nil {
		chCfg = *cfg.Channel
	}
	if chCfg.Logger == nil {
		chCfg.Logger = cfg.Logger
	}
	chCfg.Metrics = metrics

	var menuCfg MenuConfig
	if cfg.Menu != nil {
		menuCfg = *cfg.Menu
	}
	if menuCfg.Logger == nil {
		menuCfg.Logger = cfg.Logger
	}

	return &Notifier{
		client:      client,
		logger:      cfg.Logger.With(slog.String("component", "notifier")),
		Cache:       cache,
		Reconciler:  rec,
		Dispatcher:  disp,
		Channel:     NewChannelManager(client.BaseURL(), disp, &chCfg),
		Menu:        NewMenuSession(client, cache, rec, &menuCfg),
		Metrics:     metrics,
		rosterStale: cfg.RosterStaleTime,
	}
}

// SetAuth follows an authentication change. A token enables the channel,
// scopes watermarks to the viewer and syncs lastSeenAt from the profile.
// An empty token signs out: the channel closes without reconnecting and all
// local reconciliation state and cached queries are dropped.
//
// When ViewerID is empty it is taken from the profile. A new token drops
// every cached query, and a different viewer also closes the menu and
// returns it to the viewer's own feed. SetAuth returns ErrClosed after Close.
func (n *Notifier) SetAuth(ctx context.Context, a Auth) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	prev := n.auth
	n.auth = a
	n.mu.Unlock()

	if a.Token == "" {
		n.Channel.Configure(false, "")
		n.client.SetToken("")
		n.Menu.Close()
		_ = n.Menu.SetScope("")
		n.Reconciler.Reset()
		n.Cache.Reset()
		n.logger.Info("signed out")
		return nil
	}

	n.client.SetToken(a.Token)
	if prev.Token != a.Token || prev.ViewerID != a.ViewerID {
		n.Cache.Reset()
	}
	prevViewer := n.Reconciler.Viewer()
	n.Channel.Configure(true, a.Token)

	var errs []error
	me, err := Fetch(ctx, n.Cache, KeyMe, FetchOptions{Force: true}, n.client.Users.Me)
	if err != nil {
		errs = append(errs, fmt.Errorf("load profile: %w", err))
	}

	viewer := Viewer{ID: a.ViewerID, Role: a.Role}
	if me != nil {
		if viewer.ID == "" {
			viewer.ID = strconv.FormatInt(me.ID, 10)
		}
		if viewer.Role == "" {
			viewer.Role = me.Role
		}
	}
	if viewer != prevViewer {
		n.Menu.Close()
		_ = n.Menu.SetScope("")
	}
	if err := n.Reconciler.SetViewer(ctx, viewer); err != nil {
		errs = append(errs, err)
	}
	if me != nil {
		n.Reconciler.SetLastSeen(me.NotificationsLastSeenAt)
	}

	n.logger.Info("signed in", slog.String("viewer", viewer.ID), slog.String("role", viewer.Role))
	return errors.Join(errs...)
}

// Auth returns the current authentication state.
func (n *Notifier) Auth() Auth {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.auth
}

// Snapshot returns the current menu snapshot.
func (n *Notifier) Snapshot(ctx context.Context) (*MenuSnapshot, error) {
	return n.Menu.Snapshot(ctx)
}

// Roster returns the user roster with presence flags kept current by the
// push channel.
func (n *Notifier) Roster(ctx context.Context) ([]User, error) {
	key := append(QueryKey{}, KeyUsers...)
	key = append(key, "roster")
	page, err := Fetch(ctx, n.Cache, key, FetchOptions{StaleTime: n.rosterStale},
		func(ctx context.Context) (*Page[User], error) {
			return n.client.Users.List(ctx, 0, 0)
		})
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

// Close stops the push channel for good. Later SetAuth calls fail with
// ErrClosed.
func (n *Notifier) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return n.Channel.Close()
}
