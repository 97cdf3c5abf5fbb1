package safetodo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake push transport
// ============================================================================

type fakeConn struct {
	inbound chan []byte
	closeCh chan error
	shut    chan struct{}

	// ignoreCtx keeps Read blocked after cancellation and Close, so the test
	// decides when the close callback fires.
	ignoreCtx bool

	mu       sync.Mutex
	written  [][]byte
	closed   bool
	shutOnce sync.Once
}

func newFakeConn(ignoreCtx bool) *fakeConn {
	return &fakeConn{
		inbound:   make(chan []byte, 16),
		closeCh:   make(chan error, 1),
		shut:      make(chan struct{}),
		ignoreCtx: ignoreCtx,
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	var done <-chan struct{}
	var shut <-chan struct{}
	if !c.ignoreCtx {
		done = ctx.Done()
		shut = c.shut
	}
	select {
	case data := <-c.inbound:
		return websocket.MessageText, data, nil
	case err := <-c.closeCh:
		return 0, nil, err
	case <-shut:
		return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
	case <-done:
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.shutOnce.Do(func() { close(c.shut) })
	return nil
}

func (c *fakeConn) serverClose(code websocket.StatusCode) {
	c.closeCh <- websocket.CloseError{Code: code, Reason: "test"}
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu        sync.Mutex
	urls      []string
	conns     []*fakeConn
	fail      error
	block     chan struct{}
	ignoreCtx bool
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	block, fail := d.block, d.fail
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn(d.ignoreCtx)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[len(d.urls)-1]
}

// fastChannelConfig uses millisecond timings so lifecycle tests finish quickly.
func fastChannelConfig(d Dialer) *ChannelConfig {
	return &ChannelConfig{
		ConnectDelay:      time.Millisecond,
		BackoffSchedule:   []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond},
		HeartbeatInterval: time.Hour,
		DialTimeout:       time.Second,
		Dialer:            d,
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	frames [][]byte
}

func (h *recordingHandler) HandleFrame(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, data)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

// ============================================================================
// Fake REST backend
// ============================================================================

type fakeAPI struct {
	srv *httptest.Server

	mu            sync.Mutex
	notifications []Notification
	users         []User
	me            User
	// profiles, when set, maps a token to the account it signs in; list
	// queries then only return that account's notifications.
	profiles      map[string]User
	seenAt        time.Time
	failSeen      bool
	calls         map[string]int
	queries       []map[string]string
	authHeaders   []string
	requestIDs    []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		me:    User{ID: 42, Username: "viewer", Role: RoleMember},
		calls: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/me/", api.handleMe)
	mux.HandleFunc("GET /api/users/", api.handleUsers)
	mux.HandleFunc("POST /api/users/mark-notifications-seen/", api.handleSeen)
	mux.HandleFunc("GET /api/notifications/", api.handleList)
	mux.HandleFunc("POST /api/notifications/{id}/read/", api.handleRead)
	mux.HandleFunc("POST /api/notifications/mark-all-read/{$}", api.handleMarkAll)
	mux.HandleFunc("DELETE /api/notifications/clear/{$}", api.handleClear)

	api.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.calls[r.Method+" "+r.URL.Path]++
		api.authHeaders = append(api.authHeaders, r.Header.Get("Authorization"))
		api.requestIDs = append(api.requestIDs, r.Header.Get(requestIDHdr))
		api.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeAPI) client(token string) *Client {
	return NewClient(token, WithBaseURL(a.srv.URL))
}

func (a *fakeAPI) callCount(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[key]
}

func (a *fakeAPI) addNotification(n Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notifications = append(a.notifications, n)
}

func (a *fakeAPI) setSeenAt(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seenAt = t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *fakeAPI) handleMe(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	writeJSON(w, http.StatusOK, a.profileLocked(r))
}

func (a *fakeAPI) profileLocked(r *http.Request) User {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), authScheme)
	if u, ok := a.profiles[token]; ok {
		return u
	}
	return a.me
}

func (a *fakeAPI) handleUsers(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	writeJSON(w, http.StatusOK, Page[User]{Count: len(a.users), Results: a.users})
}

func (a *fakeAPI) handleSeen(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failSeen {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
		return
	}
	seen := a.seenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	ts := FormatTimestamp(seen)
	a.me.NotificationsLastSeenAt = &ts
	writeJSON(w, http.StatusOK, SeenResult{NotificationsLastSeenAt: ts})
}

func (a *fakeAPI) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := map[string]string{}
	for k := range q {
		rec[k] = q.Get(k)
	}
	a.queries = append(a.queries, rec)

	var from time.Time
	if s := q.Get("date_from"); s != "" {
		from, _ = ParseTimestamp(s)
	}
	recipient := int64(-1)
	if a.profiles != nil {
		recipient = a.profileLocked(r).ID
		if u := q.Get("user"); u != "" {
			recipient, _ = strconv.ParseInt(u, 10, 64)
		}
	}
	var out []Notification
	for _, n := range a.notifications {
		if recipient >= 0 && n.Recipient != recipient {
			continue
		}
		if q.Get("unread") == "true" && !n.IsUnread() {
			continue
		}
		if !from.IsZero() {
			created, ok := n.Created()
			if !ok || !created.After(from) {
				continue
			}
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := out[i].Created()
		tj, _ := out[j].Created()
		return ti.After(tj)
	})
	count := len(out)
	if size, _ := strconv.Atoi(q.Get("page_size")); size > 0 && size < len(out) {
		out = out[:size]
	}
	writeJSON(w, http.StatusOK, Page[Notification]{Count: count, Results: out})
}

func (a *fakeAPI) handleRead(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.notifications {
		if a.notifications[i].ID == id {
			ts := FormatTimestamp(time.Now())
			a.notifications[i].ReadAt = &ts
			writeJSON(w, http.StatusOK, a.notifications[i])
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
}

func (a *fakeAPI) handleMarkAll(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	ts := FormatTimestamp(time.Now())
	for i := range a.notifications {
		if a.notifications[i].IsUnread() {
			a.notifications[i].ReadAt = &ts
			n++
		}
	}
	writeJSON(w, http.StatusOK, UpdatedResult{Updated: n})
}

func (a *fakeAPI) handleClear(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.notifications)
	a.notifications = nil
	writeJSON(w, http.StatusOK, DeletedResult{Deleted: n})
}

// ============================================================================
// Misc
// ============================================================================

func notificationAt(id int64, created time.Time, payload map[string]any) Notification {
	return Notification{
		ID:        id,
		Type:      NotificationTaskAssigned,
		Title:     "n" + strconv.FormatInt(id, 10),
		Payload:   payload,
		CreatedAt: FormatTimestamp(created),
		Recipient: 42,
	}
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.GetCounter().GetValue()
	case out.Gauge != nil:
		return out.GetGauge().GetValue()
	}
	return 0
}
