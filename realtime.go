package safetodo

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Push channel event names.
const (
	EventNotificationCreated = "notification.created"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventPresenceHeartbeat   = "presence.heartbeat"
)

// CloseAuthRejected is the application close code the server sends when
// the channel token is not accepted. Reconnection stops until a different
// token is configured.
const CloseAuthRejected websocket.StatusCode = 4401

// ChannelEnvelope is the wire format of inbound push frames.
type ChannelEnvelope struct {
	Event      string  `json:"event"`
	UserID     *int64  `json:"user_id,omitempty"`
	IsOnline   *bool   `json:"is_online,omitempty"`
	LastSeenAt *string `json:"last_seen_at,omitempty"`
}

// ChannelCommand is a client-to-server frame.
type ChannelCommand struct {
	Event string `json:"event"`
}

// ============================================================================
// Configuration
// ============================================================================

// DefaultBackoffSchedule is the reconnect delay table. Attempts beyond the
// table reuse its last entry.
var DefaultBackoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// ChannelConfig configures a ChannelManager.
type ChannelConfig struct {
	// ConnectDelay defers a requested connect so rapid successive Configure
	// calls collapse into one attempt.
	ConnectDelay      time.Duration
	BackoffSchedule   []time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	Dialer            Dialer
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Metrics           *ChannelMetrics
}

func (c *ChannelConfig) defaults() {
	if len(c.BackoffSchedule) == 0 {
		c.BackoffSchedule = DefaultBackoffSchedule
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{HTTPClient: c.HTTPClient}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewChannelMetrics(nil)
	}
}

// BackoffDelay returns the reconnect delay for the given zero-based attempt.
func BackoffDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultBackoffSchedule
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		attempt = len(schedule) - 1
	}
	return schedule[attempt]
}

// ChannelState is the lifecycle state of the push connection.
type ChannelState string

const (
	ChannelIdle       ChannelState = "idle"
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosing    ChannelState = "closing"
	ChannelClosed     ChannelState = "closed"
)

// ============================================================================
// Transport
// ============================================================================

// Conn is the part of a WebSocket connection the manager uses.
// *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// WebsocketDialer dials with nhooyr.io/websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// FrameHandler consumes inbound frames.
type FrameHandler interface {
	HandleFrame(data []byte)
}

// ============================================================================
// ChannelManager
// ============================================================================

// ChannelManager owns the single push connection of a session. It connects
// while enabled, reconnects after unintentional closes using the backoff
// schedule, sends presence heartbeats while open, and hands every inbound
// frame to its FrameHandler.
//
// Every connection attempt gets a new id; callbacks from a superseded
// connection are dropped before they touch shared state.
type ChannelManager struct {
	origin  string
	cfg     ChannelConfig
	handler FrameHandler
	logger  *slog.Logger
	metrics *ChannelMetrics

	ctx       context.Context
	cancelAll context.CancelFunc

	mu             sync.Mutex
	closed         bool
	enabled        bool
	token          string
	authRejected   bool
	rejectedToken  string
	state          ChannelState
	connID         uint64
	conn           Conn
	connCancel     context.CancelFunc
	attempt        int
	connectTimer   *time.Timer
	reconnectTimer *time.Timer
	hooks          []func(ChannelState)
	pending        []ChannelState
}

// NewChannelManager creates a manager for the API origin (http or https).
// It stays idle until Configure enables it.
func NewChannelManager(origin string, handler FrameHandler, config *ChannelConfig) *ChannelManager {
	var cfg ChannelConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelManager{
		origin:    origin,
		cfg:       cfg,
		handler:   handler,
		logger:    cfg.Logger.With(slog.String("component", "channel")),
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancelAll: cancel,
		state:     ChannelIdle,
	}
}

// OnStateChange registers a hook called after every state transition.
func (m *ChannelManager) OnStateChange(h func(ChannelState)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *ChannelManager) State() ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the id of the most recent connection attempt.
func (m *ChannelManager) ConnectionID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// Attempt returns the current reconnect attempt counter.
func (m *ChannelManager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// AuthRejected reports whether the server rejected the current token.
func (m *ChannelManager) AuthRejected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authRejected
}

// Configure is called whenever the enclosing authentication state changes.
// It is idempotent: enabling an already open or connecting manager with the
// same token does nothing. A changed token replaces the live connection.
func (m *ChannelManager) Configure(enabled bool, token string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if !enabled {
		m.enabled = false
		m.stopTimersLocked()
		conn := m.teardownLocked()
		m.unlock()
		closeConn(conn, websocket.StatusNormalClosure, "disabled")
		return
	}

	tokenChanged := token != m.token
	m.enabled = true
	m.token = token
	if m.authRejected && token != m.rejectedToken {
		m.authRejected = false
		m.rejectedToken = ""
	}

	var stale Conn
	if tokenChanged && (m.state == ChannelOpen || m.state == ChannelConnecting) {
		m.stopTimersLocked()
		stale = m.teardownLocked()
		m.attempt = 0
	}
	m.scheduleConnectLocked()
	m.unlock()

	closeConn(stale, websocket.StatusNormalClosure, "token changed")
}

// Start enables the manager with token.
func (m *ChannelManager) Start(token string) {
	m.Configure(true, token)
}

// Stop disables the manager and closes any connection without reconnecting.
func (m *ChannelManager) Stop() {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	m.Configure(false, token)
}

// Close stops the manager for good. Later Configure calls are ignored.
func (m *ChannelManager) Close() error {
	m.Stop()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancelAll()
	return nil
}

// ── internal ─────────────────────────────────────────────

func (m *ChannelManager) setStateLocked(s ChannelState) {
	if m.state == s {
		return
	}
	m.state = s
	m.pending = append(m.pending, s)
}

// unlock releases the lock and then runs hooks for the transitions made
// while it was held.
func (m *ChannelManager) unlock() {
	pending := m.pending
	m.pending = nil
	hooks := append([]func(ChannelState){}, m.hooks...)
	m.mu.Unlock()
	for _, s := range pending {
		for _, h := range hooks {
			h(s)
		}
	}
}

func (m *ChannelManager) stopTimersLocked() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// teardownLocked starts an intentional close of the active connection. The
// returned conn must be closed after the lock is released.
func (m *ChannelManager) teardownLocked() Conn {
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	conn := m.conn
	m.conn = nil
	if m.state == ChannelOpen || m.state == ChannelConnecting {
		m.setStateLocked(ChannelClosing)
	}
	m.metrics.ConnectionOpen.Set(0)
	return conn
}

func (m *ChannelManager) scheduleConnectLocked() {
	if m.state == ChannelOpen || m.state == ChannelConnecting {
		return
	}
	if m.connectTimer != nil || m.reconnectTimer != nil {
		return
	}
	if m.authRejected {
		m.logger.Debug("connect suppressed: token was rejected")
		return
	}
	m.connectTimer = time.AfterFunc(m.cfg.ConnectDelay, m.connect)
}

func (m *ChannelManager) connect() {
	m.mu.Lock()
	m.connectTimer = nil
	m.reconnectTimer = nil
	if m.closed || !m.enabled || m.authRejected ||
		m.state == ChannelOpen || m.state == ChannelConnecting {
		m.unlock()
		return
	}
	m.connID++
	id := m.connID
	ctx, cancel := context.WithCancel(m.ctx)
	m.connCancel = cancel
	m.setStateLocked(ChannelConnecting)
	u := channelURL(m.origin, m.token)
	attempt := m.attempt
	m.unlock()

	m.metrics.ConnectAttempts.Inc()
	m.logger.Debug("connecting", slog.Uint64("conn_id", id), slog.Int("attempt", attempt))

	dialCtx, dialCancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.cfg.Dialer.Dial(dialCtx, u)
	dialCancel()
	if err != nil {
		m.handleClosed(id, websocket.CloseStatus(err), err)
		return
	}

	m.mu.Lock()
	if id != m.connID || m.state != ChannelConnecting {
		if id == m.connID && m.state == ChannelClosing {
			m.setStateLocked(ChannelClosed)
		}
		m.unlock()
		closeConn(conn, websocket.StatusNormalClosure, "superseded")
		return
	}
	m.conn = conn
	m.attempt = 0
	m.setStateLocked(ChannelOpen)
	m.unlock()

	m.metrics.ConnectionOpen.Set(1)
	m.logger.Info("channel open", slog.Uint64("conn_id", id))

	go m.readLoop(ctx, id, conn)
	go m.heartbeatLoop(ctx, id, conn)
}

func (m *ChannelManager) isActive(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return id == m.connID && m.state == ChannelOpen
}

func (m *ChannelManager) readLoop(ctx context.Context, id uint64, conn Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleClosed(id, websocket.CloseStatus(err), err)
			return
		}
		if !m.isActive(id) {
			// A frame that races an intentional close still settles the FSM.
			m.handleClosed(id, websocket.StatusNormalClosure, nil)
			return
		}
		if m.handler != nil {
			m.handler.HandleFrame(data)
		}
	}
}

func (m *ChannelManager) heartbeatLoop(ctx context.Context, id uint64, conn Conn) {
	m.sendHeartbeat(ctx, id, conn)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.isActive(id) {
				return
			}
			m.sendHeartbeat(ctx, id, conn)
		}
	}
}

// sendHeartbeat is best effort; a dead connection surfaces through the
// read loop.
func (m *ChannelManager) sendHeartbeat(ctx context.Context, id uint64, conn Conn) {
	data, _ := json.Marshal(ChannelCommand{Event: EventPresenceHeartbeat})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		m.logger.Debug("heartbeat failed", slog.Uint64("conn_id", id), slog.String("error", err.Error()))
		return
	}
	m.metrics.HeartbeatsSent.Inc()
}

// handleClosed is the close transition for connection id. Closes of
// superseded connections and intentional closes never schedule a reconnect.
func (m *ChannelManager) handleClosed(id uint64, code websocket.StatusCode, cause error) {
	m.mu.Lock()
	if id != m.connID {
		m.unlock()
		m.logger.Debug("ignoring close of superseded connection", slog.Uint64("conn_id", id))
		return
	}
	if m.state == ChannelClosed || m.state == ChannelIdle {
		m.unlock()
		return
	}

	intentional := m.state == ChannelClosing
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.conn = nil
	m.setStateLocked(ChannelClosed)
	m.metrics.ConnectionOpen.Set(0)

	if intentional || m.closed || !m.enabled {
		m.unlock()
		m.logger.Debug("channel closed", slog.Uint64("conn_id", id))
		return
	}

	if code == CloseAuthRejected {
		m.authRejected = true
		m.rejectedToken = m.token
		m.unlock()
		m.metrics.AuthRejections.Inc()
		m.logger.Warn("channel token rejected; reconnect disabled", slog.Uint64("conn_id", id))
		return
	}

	delay := BackoffDelay(m.cfg.BackoffSchedule, m.attempt)
	m.attempt++
	attempt := m.attempt
	m.reconnectTimer = time.AfterFunc(delay, m.connect)
	m.unlock()

	m.metrics.ReconnectsPlanned.Inc()
	attrs := []any{
		slog.Uint64("conn_id", id),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Int("code", int(code)),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	m.logger.Info("channel lost, reconnecting", attrs...)
}

func closeConn(conn Conn, code websocket.StatusCode, reason string) {
	if conn == nil {
		return
	}
	go conn.Close(code, reason)
}
