package safetodo

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func newTestManager(t *testing.T, d *fakeDialer, h FrameHandler) *ChannelManager {
	t.Helper()
	m := NewChannelManager("http://api.test", h, fastChannelConfig(d))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func requireOpen(t *testing.T, m *ChannelManager, dials func() int, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == ChannelOpen && dials() == want
	}, waitFor, tick)
}

// ============================================================================
// Backoff
// ============================================================================

func TestBackoffDelay(t *testing.T) {
	schedule := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 5 * time.Second},
		{3, 10 * time.Second},
		{4, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BackoffDelay(schedule, tc.attempt), "attempt %d", tc.attempt)
	}

	t.Run("non-decreasing default", func(t *testing.T) {
		require.Len(t, DefaultBackoffSchedule, 4)
		for i := 1; i < len(DefaultBackoffSchedule); i++ {
			assert.GreaterOrEqual(t, DefaultBackoffSchedule[i], DefaultBackoffSchedule[i-1])
		}
	})

	t.Run("empty schedule falls back", func(t *testing.T) {
		assert.Equal(t, DefaultBackoffSchedule[3], BackoffDelay(nil, 9))
	})
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestChannelManager_AtMostOneConnection(t *testing.T) {
	t.Run("concurrent configure", func(t *testing.T) {
		d := &fakeDialer{}
		m := newTestManager(t, d, nil)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Configure(true, "tok")
			}()
		}
		wg.Wait()

		requireOpen(t, m, d.dials, 1)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, d.dials())

		m.Configure(true, "tok")
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, d.dials())
		assert.Equal(t, uint64(1), m.ConnectionID())
	})

	t.Run("configure while connecting", func(t *testing.T) {
		d := &fakeDialer{block: make(chan struct{})}
		m := newTestManager(t, d, nil)

		m.Configure(true, "tok")
		require.Eventually(t, func() bool { return m.State() == ChannelConnecting }, waitFor, tick)
		for i := 0; i < 5; i++ {
			m.Configure(true, "tok")
		}
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, d.dials())

		close(d.block)
		requireOpen(t, m, d.dials, 1)
	})
}

func TestChannelManager_URLAndHeartbeat(t *testing.T) {
	d := &fakeDialer{}
	cfg := fastChannelConfig(d)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	m := NewChannelManager("https://api.test/", nil, cfg)
	t.Cleanup(func() { _ = m.Close() })

	m.Start("a b")
	requireOpen(t, m, d.dials, 1)
	assert.Equal(t, "wss://api.test/ws/notifications/?token=a+b", d.lastURL())

	conn := d.conn(0)
	require.Eventually(t, func() bool { return len(conn.writes()) >= 3 }, waitFor, tick)
	for _, w := range conn.writes() {
		assert.JSONEq(t, `{"event":"presence.heartbeat"}`, string(w))
	}
	assert.GreaterOrEqual(t, metricValue(t, m.metrics.HeartbeatsSent), 3.0)
}

func TestChannelManager_FramesReachHandler(t *testing.T) {
	d := &fakeDialer{}
	h := &recordingHandler{}
	m := newTestManager(t, d, h)

	m.Start("tok")
	requireOpen(t, m, d.dials, 1)

	conn := d.conn(0)
	conn.inbound <- []byte(`{"event":"notification.created"}`)
	conn.inbound <- []byte(`not json`)
	require.Eventually(t, func() bool { return h.count() == 2 }, waitFor, tick)
	assert.Equal(t, ChannelOpen, m.State())
}

func TestChannelManager_ReconnectsAfterUnintentionalClose(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)

	m.Start("tok")
	requireOpen(t, m, d.dials, 1)

	d.conn(0).serverClose(websocket.StatusInternalError)
	requireOpen(t, m, d.dials, 2)
	assert.Equal(t, 0, m.Attempt())
	assert.Equal(t, uint64(2), m.ConnectionID())
	assert.Equal(t, 1.0, metricValue(t, m.metrics.ReconnectsPlanned))
}

func TestChannelManager_BackoffAndReset(t *testing.T) {
	d := &fakeDialer{fail: errors.New("connection refused")}
	m := newTestManager(t, d, nil)

	m.Start("tok")
	require.Eventually(t, func() bool { return m.Attempt() >= 5 }, waitFor, tick)
	assert.NotEqual(t, ChannelOpen, m.State())

	d.setFail(nil)
	require.Eventually(t, func() bool { return m.State() == ChannelOpen }, waitFor, tick)
	assert.Equal(t, 0, m.Attempt(), "attempt counter resets after a successful open")
}

func TestChannelManager_AuthRejectionLatch(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)

	m.Start("stale")
	requireOpen(t, m, d.dials, 1)

	d.conn(0).serverClose(CloseAuthRejected)
	require.Eventually(t, m.AuthRejected, waitFor, tick)
	assert.Equal(t, ChannelClosed, m.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, d.dials(), "no reconnect after 4401")

	t.Run("same token stays latched", func(t *testing.T) {
		m.Configure(true, "stale")
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, d.dials())
		assert.True(t, m.AuthRejected())
	})

	t.Run("new token clears latch", func(t *testing.T) {
		m.Configure(true, "fresh")
		requireOpen(t, m, d.dials, 2)
		assert.False(t, m.AuthRejected())
		assert.Contains(t, d.lastURL(), "token=fresh")
	})

	assert.Equal(t, 1.0, metricValue(t, m.metrics.AuthRejections))
}

func TestChannelManager_StaleCallbackImmunity(t *testing.T) {
	d := &fakeDialer{ignoreCtx: true}
	m := newTestManager(t, d, nil)

	m.Start("t1")
	requireOpen(t, m, d.dials, 1)
	connA := d.conn(0)

	// A token change supersedes A with B.
	m.Configure(true, "t2")
	requireOpen(t, m, d.dials, 2)
	require.Equal(t, uint64(2), m.ConnectionID())
	require.Eventually(t, connA.isClosed, waitFor, tick)

	// A's close arrives after B is open.
	connA.serverClose(websocket.StatusGoingAway)
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, ChannelOpen, m.State())
	assert.Equal(t, uint64(2), m.ConnectionID())
	assert.Equal(t, 2, d.dials(), "stale close must not schedule a reconnect")
	assert.Equal(t, 0, m.Attempt())
}

func TestChannelManager_DisableClosesWithoutReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, nil)

	m.Start("tok")
	requireOpen(t, m, d.dials, 1)

	m.Configure(false, "")
	require.Eventually(t, func() bool { return m.State() == ChannelClosed }, waitFor, tick)
	require.Eventually(t, d.conn(0).isClosed, waitFor, tick)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, 0.0, metricValue(t, m.metrics.ConnectionOpen))

	t.Run("re-enable connects again", func(t *testing.T) {
		m.Configure(true, "tok")
		requireOpen(t, m, d.dials, 2)
	})
}

func TestChannelManager_LateFrameAfterDisableReachesClosed(t *testing.T) {
	d := &fakeDialer{ignoreCtx: true}
	h := &recordingHandler{}
	m := newTestManager(t, d, h)

	var mu sync.Mutex
	var states []ChannelState
	m.OnStateChange(func(s ChannelState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	m.Start("tok")
	requireOpen(t, m, d.dials, 1)

	m.Configure(false, "")
	require.Equal(t, ChannelClosing, m.State())

	// The read loop wakes with a frame instead of a close.
	d.conn(0).inbound <- []byte(`{"event":"notification.created"}`)
	require.Eventually(t, func() bool { return m.State() == ChannelClosed }, waitFor, tick)
	assert.Equal(t, 0, h.count(), "frames after disable are dropped")

	mu.Lock()
	last := states[len(states)-1]
	mu.Unlock()
	assert.Equal(t, ChannelClosed, last)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, d.dials(), "intentional close never reconnects")
}

func TestChannelManager_DisableCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{fail: errors.New("refused")}
	cfg := fastChannelConfig(d)
	cfg.BackoffSchedule = []time.Duration{50 * time.Millisecond}
	m := NewChannelManager("http://api.test", nil, cfg)
	t.Cleanup(func() { _ = m.Close() })

	m.Start("tok")
	require.Eventually(t, func() bool { return m.Attempt() == 1 }, waitFor, tick)
	m.Stop()
	n := d.dials()

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, n, d.dials())
}

func TestChannelManager_StateHooksAndClose(t *testing.T) {
	d := &fakeDialer{}
	m := NewChannelManager("http://api.test", nil, fastChannelConfig(d))

	var mu sync.Mutex
	var seen []ChannelState
	m.OnStateChange(func(s ChannelState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	m.Start("tok")
	requireOpen(t, m, d.dials, 1)
	require.NoError(t, m.Close())
	require.Eventually(t, func() bool { return m.State() == ChannelClosed }, waitFor, tick)

	mu.Lock()
	got := append([]ChannelState(nil), seen...)
	mu.Unlock()
	assert.Equal(t, []ChannelState{ChannelConnecting, ChannelOpen, ChannelClosing, ChannelClosed}, got)

	m.Configure(true, "tok")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials(), "closed manager ignores configure")
}
