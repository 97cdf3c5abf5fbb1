package safetodo

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// EventHandler handles a decoded push frame.
type EventHandler func(env ChannelEnvelope)

// Dispatcher turns inbound push frames into cache actions.
//
// notification.created invalidates every notification query family.
// user_online and user_offline patch the cached user roster by id. Handlers
// registered with On run after the built-in action, in registration order.
type Dispatcher struct {
	cache   *QueryCache
	logger  *slog.Logger
	metrics *ChannelMetrics

	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewDispatcher creates a dispatcher acting on cache. logger and metrics may
// be nil.
func NewDispatcher(cache *QueryCache, logger *slog.Logger, metrics *ChannelMetrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewChannelMetrics(nil)
	}
	return &Dispatcher{
		cache:    cache,
		logger:   logger.With(slog.String("component", "dispatcher")),
		metrics:  metrics,
		handlers: make(map[string][]EventHandler),
	}
}

// On registers a handler for event. Use "*" to receive every frame.
func (d *Dispatcher) On(event string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = append(d.handlers[event], h)
}

// HandleFrame implements FrameHandler. Frames that are not a JSON object
// with an event name are counted and dropped.
func (d *Dispatcher) HandleFrame(data []byte) {
	var env ChannelEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		d.metrics.MalformedFrames.Inc()
		d.logger.Debug("dropping malformed frame", slog.Int("bytes", len(data)))
		return
	}

	switch env.Event {
	case EventNotificationCreated:
		d.metrics.FramesReceived.WithLabelValues(env.Event).Inc()
		d.invalidateNotifications()
	case EventUserOnline, EventUserOffline:
		if env.UserID == nil {
			d.metrics.MalformedFrames.Inc()
			d.logger.Debug("dropping presence frame without user_id")
			return
		}
		d.metrics.FramesReceived.WithLabelValues(env.Event).Inc()
		online := env.Event == EventUserOnline
		if env.IsOnline != nil {
			online = *env.IsOnline
		}
		d.patchPresence(*env.UserID, online, env.LastSeenAt)
	default:
		d.metrics.FramesReceived.WithLabelValues("other").Inc()
	}

	d.emit(env)
}

func (d *Dispatcher) invalidateNotifications() {
	for _, key := range []QueryKey{KeyNotifications, KeyNotificationsUnread} {
		d.cache.Invalidate(key)
		d.metrics.CacheInvalidations.WithLabelValues(key.String()).Inc()
	}
}

func (d *Dispatcher) patchPresence(userID int64, online bool, lastSeenAt *string) {
	n := d.cache.Update(KeyUsers, func(_ QueryKey, data any) (any, bool) {
		return patchRoster(data, userID, online, lastSeenAt)
	})
	d.logger.Debug("presence patched",
		slog.Int64("user_id", userID),
		slog.Bool("online", online),
		slog.Int("entries", n),
	)
}

func (d *Dispatcher) emit(env ChannelEnvelope) {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.handlers[env.Event]...)
	handlers = append(handlers, d.handlers["*"]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event handler panicked", slog.String("event", env.Event), slog.Any("panic", r))
				}
			}()
			h(env)
		}()
	}
}

// patchRoster returns a copy of a cached roster with the presence fields of
// user id replaced. Order and every other entry are preserved.
func patchRoster(data any, id int64, online bool, lastSeenAt *string) (any, bool) {
	switch v := data.(type) {
	case []User:
		return patchUsers(v, id, online, lastSeenAt)
	case *Page[User]:
		if v == nil {
			return data, false
		}
		results, ok := patchUsers(v.Results, id, online, lastSeenAt)
		if !ok {
			return data, false
		}
		page := *v
		page.Results = results
		return &page, true
	case Page[User]:
		results, ok := patchUsers(v.Results, id, online, lastSeenAt)
		if !ok {
			return data, false
		}
		v.Results = results
		return v, true
	}
	return data, false
}

func patchUsers(users []User, id int64, online bool, lastSeenAt *string) ([]User, bool) {
	idx := -1
	for i := range users {
		if users[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return users, false
	}
	out := append([]User(nil), users...)
	out[idx].IsOnline = online
	if lastSeenAt != nil {
		ts := *lastSeenAt
		out[idx].LastSeenAt = &ts
	}
	return out, true
}
