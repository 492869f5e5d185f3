package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/northquay/gatelink/internal/gateway"
)

// fakeTransport scripts connect outcomes and records calls. The zero value
// accepts every connect.
type fakeTransport struct {
	mu           sync.Mutex
	handlers     gateway.Handlers
	connected    bool
	connectErrs  []error // outcome per connect call; past the end = success
	connects     int
	connectTimes []time.Time
	disconnects  int
	timeReqs     int
}

func (f *fakeTransport) Connect(ctx context.Context, host string, port, clientID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.connects
	f.connects++
	f.connectTimes = append(f.connectTimes, time.Now())
	if idx < len(f.connectErrs) && f.connectErrs[idx] != nil {
		return f.connectErrs[idx]
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SetHandlers(h gateway.Handlers) {
	f.handlers = h
}

func (f *fakeTransport) ReqCurrentTime() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return gateway.ErrNotConnected
	}
	f.timeReqs++
	return nil
}

func (f *fakeTransport) ReqMarketData(reqID int64, contract gateway.Contract, tickList string, snapshot bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return gateway.ErrNotConnected
	}
	return nil
}

func (f *fakeTransport) CancelMarketData(reqID int64) error {
	return nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) connectTime(i int) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectTimes[i]
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

// recorder collects connected/disconnected events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (r *recorder) connected() {
	r.mu.Lock()
	r.events = append(r.events, "connected")
	r.mu.Unlock()
}

func (r *recorder) disconnected(err error) {
	r.mu.Lock()
	r.events = append(r.events, "disconnected")
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == kind {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Host:                 "gw.test",
		Port:                 4001,
		ClientID:             7,
		HeartbeatInterval:    50 * time.Millisecond,
		HeartbeatTimeout:     time.Hour, // quiet unless a test wants it
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func newTestManager(t *testing.T, ft *fakeTransport, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, ft, zaptest.NewLogger(t), nil)
	t.Cleanup(m.Close)
	return m
}

func TestConnectSuccess(t *testing.T) {
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestManager(t, ft, testConfig())
	m.RegisterConnectedCallback(rec.connected)
	m.RegisterDisconnectedCallback(rec.disconnected)

	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.IsConnected())
	assert.True(t, m.Heartbeat().IsRunning())
	assert.Eventually(t, func() bool {
		return rec.count("connected") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectFailureNoAutoRetry(t *testing.T) {
	ft := &fakeTransport{connectErrs: []error{errors.New("refused")}}
	m := newTestManager(t, ft, testConfig())

	err := m.Connect(context.Background())
	require.Error(t, err)

	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.IsConnected())

	// An explicit connect failure must not start a reconnection loop.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, ft.connectCount())
}

func TestConnectWhileConnected(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, ft, testConfig())

	require.NoError(t, m.Connect(context.Background()))
	assert.Error(t, m.Connect(context.Background()))
	assert.Equal(t, 1, ft.connectCount())
}

func TestReconnectLoopExhaustsExactly(t *testing.T) {
	fail := errors.New("still down")
	ft := &fakeTransport{connectErrs: []error{nil, fail, fail, fail}}
	rec := &recorder{}
	m := newTestManager(t, ft, testConfig())
	m.RegisterConnectedCallback(rec.connected)
	m.RegisterDisconnectedCallback(rec.disconnected)

	require.NoError(t, m.Connect(context.Background()))

	ft.handlers.ConnectionClosed(errors.New("server went away"))

	require.Eventually(t, func() bool {
		return m.State() == StateDisconnected && ft.connectCount() == 4
	}, 5*time.Second, 10*time.Millisecond, "loop should stop after exactly 3 attempts")

	// No extra attempts after exhaustion.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 4, ft.connectCount())
	assert.Equal(t, 3, m.ReconnectAttempts())
	assert.False(t, m.IsConnected())

	// Delays follow delay*2^k: attempt spacing keeps doubling.
	d1 := ft.connectTime(2).Sub(ft.connectTime(1))
	d2 := ft.connectTime(3).Sub(ft.connectTime(2))
	assert.GreaterOrEqual(t, d1, 30*time.Millisecond, "second attempt should wait ~2x base delay")
	assert.GreaterOrEqual(t, d2, 60*time.Millisecond, "third attempt should wait ~4x base delay")
	assert.Greater(t, d2, d1)

	// One disconnected burst at loss detection, none at exhaustion.
	assert.Equal(t, 1, rec.count("disconnected"))

	m.ResetReconnectAttempts()
	assert.Equal(t, 0, m.ReconnectAttempts())
}

func TestReconnectSuccessResetsAttempts(t *testing.T) {
	fail := errors.New("not yet")
	ft := &fakeTransport{connectErrs: []error{nil, fail, nil}}
	rec := &recorder{}
	m := newTestManager(t, ft, testConfig())
	m.RegisterConnectedCallback(rec.connected)
	m.RegisterDisconnectedCallback(rec.disconnected)

	require.NoError(t, m.Connect(context.Background()))
	ft.handlers.ConnectionClosed(errors.New("dropped"))

	require.Eventually(t, func() bool {
		return m.IsConnected() && ft.connectCount() == 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, m.ReconnectAttempts())
	assert.Equal(t, StateConnected, m.State())

	// Collaborators see the loss before the recovery.
	assert.Eventually(t, func() bool {
		evs := rec.snapshot()
		return len(evs) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"connected", "disconnected", "connected"}, rec.snapshot())
}

func TestDuplicateLossSignalsCollapse(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectDelay = 150 * time.Millisecond
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestManager(t, ft, cfg)
	m.RegisterConnectedCallback(rec.connected)
	m.RegisterDisconnectedCallback(rec.disconnected)

	require.NoError(t, m.Connect(context.Background()))

	// Heartbeat timeout and transport close race each other in production;
	// the second signal must find the transition already taken.
	ft.handlers.ConnectionClosed(errors.New("drop one"))
	require.Eventually(t, func() bool {
		return m.State() == StateReconnecting
	}, 2*time.Second, 2*time.Millisecond)
	ft.handlers.ConnectionClosed(errors.New("drop two"))

	require.Eventually(t, func() bool {
		return m.IsConnected() && ft.connectCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count("disconnected"), "duplicate loss signals must collapse")
	assert.Equal(t, 2, ft.connectCount(), "only one reconnection loop may run")
}

func TestDisconnectCancelsReconnectLoop(t *testing.T) {
	fail := errors.New("down")
	cfg := testConfig()
	cfg.ReconnectDelay = 60 * time.Millisecond
	cfg.MaxReconnectAttempts = 10
	ft := &fakeTransport{connectErrs: []error{nil, fail, fail, fail, fail, fail, fail, fail, fail, fail, fail}}
	rec := &recorder{}
	m := newTestManager(t, ft, cfg)
	m.RegisterDisconnectedCallback(rec.disconnected)

	require.NoError(t, m.Connect(context.Background()))
	ft.handlers.ConnectionClosed(errors.New("gone"))

	require.Eventually(t, func() bool {
		return m.State() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	before := ft.connectCount()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, before, ft.connectCount(), "no attempts after an explicit disconnect")

	// Loss announced once; cancelling the loop adds nothing.
	assert.Equal(t, 1, rec.count("disconnected"))
}

func TestFreshConnectCancelsReconnectLoop(t *testing.T) {
	fail := errors.New("down")
	cfg := testConfig()
	cfg.ReconnectDelay = 60 * time.Millisecond
	cfg.MaxReconnectAttempts = 10
	ft := &fakeTransport{connectErrs: []error{nil, fail}}
	m := newTestManager(t, ft, cfg)

	require.NoError(t, m.Connect(context.Background()))
	ft.handlers.ConnectionClosed(errors.New("gone"))

	// Let the first attempt fail, then connect explicitly mid-backoff.
	require.Eventually(t, func() bool {
		return ft.connectCount() == 2 && m.State() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())

	total := ft.connectCount()
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, total, ft.connectCount(), "superseded loop must not dial again")
	assert.True(t, m.IsConnected())
}

func TestRestoredCodeShortCircuitsReconnect(t *testing.T) {
	fail := errors.New("down")
	cfg := testConfig()
	cfg.ReconnectDelay = 80 * time.Millisecond
	cfg.MaxReconnectAttempts = 10
	ft := &fakeTransport{connectErrs: []error{nil, fail, fail, fail, fail, fail}}
	rec := &recorder{}
	m := newTestManager(t, ft, cfg)
	m.RegisterConnectedCallback(rec.connected)

	require.NoError(t, m.Connect(context.Background()))
	ft.handlers.ConnectionClosed(errors.New("gone"))

	require.Eventually(t, func() bool {
		return m.State() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)

	// The socket recovers underneath and the gateway announces it.
	ft.setConnected(true)
	ft.handlers.Error(0, 1101, "connectivity restored - data lost", nil)

	require.Eventually(t, func() bool {
		return m.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.ReconnectAttempts())
	assert.Eventually(t, func() bool {
		return rec.count("connected") == 2
	}, 2*time.Second, 5*time.Millisecond)

	before := ft.connectCount()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, before, ft.connectCount(), "loop must stand down after the restored code")
}

func TestHeartbeatTimeoutTriggersReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestManager(t, ft, cfg)
	m.RegisterDisconnectedCallback(rec.disconnected)

	require.NoError(t, m.Connect(context.Background()))

	// The fake never answers the probes, so the monitor must declare the
	// session dead and the manager must dial again.
	require.Eventually(t, func() bool {
		return ft.connectCount() >= 2 && m.IsConnected()
	}, 5*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, rec.count("disconnected"), 1)
}

func TestCallbackPanicIsolation(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, ft, testConfig())

	var mu sync.Mutex
	var reached bool
	m.RegisterConnectedCallback(func() { panic("listener bug") })
	m.RegisterConnectedCallback(func() {
		mu.Lock()
		reached = true
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reached
	}, 2*time.Second, 5*time.Millisecond, "panic in one callback must not skip the rest")
}

func TestIsConnectedDoubleChecksTransport(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, ft, testConfig())

	require.NoError(t, m.Connect(context.Background()))
	require.True(t, m.IsConnected())

	// Transport died but no event surfaced yet: drift reads as down.
	ft.setConnected(false)
	assert.False(t, m.IsConnected())
	assert.Equal(t, StateConnected, m.State())
}

func TestExplicitDisconnectAnnouncesCleanClose(t *testing.T) {
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestManager(t, ft, testConfig())
	m.RegisterDisconnectedCallback(rec.disconnected)

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()

	require.Eventually(t, func() bool {
		return rec.count("disconnected") == 1
	}, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
	assert.NoError(t, rec.errs[0], "an explicit disconnect is a clean close")
}

func TestSessionSignalsUpdateLiveness(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, ft, testConfig())

	require.NoError(t, m.Connect(context.Background()))

	ft.handlers.ManagedAccounts([]string{"DU1234", "DU5678"})
	serverTime := time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)
	ft.handlers.CurrentTime(serverTime)

	assert.Equal(t, []string{"DU1234", "DU5678"}, m.Accounts())
	assert.Equal(t, serverTime, m.LastServerTime())

	since := m.Heartbeat().TimeSinceLastHeartbeat()
	assert.Greater(t, since, time.Duration(0))
	assert.Less(t, since, time.Second)
}

func TestTickAndErrorDispatch(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, ft, testConfig())

	var mu sync.Mutex
	var got []gateway.TickEvent
	m.SetTickHandler(func(ev gateway.TickEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))

	ft.handlers.TickPrice(10001, gateway.TickLast, 231.5)
	ft.handlers.TickSize(10001, gateway.TickLastSize, 300)
	ft.handlers.Error(10001, 354, "not subscribed to market data", json.RawMessage(`{"reason":"permissions"}`))
	ft.handlers.Error(0, 2104, "market data farm connection is OK", nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3, "session-level errors must not reach the tick handler")

	assert.Equal(t, gateway.KindPrice, got[0].Kind)
	assert.Equal(t, 231.5, got[0].Price)
	assert.Equal(t, gateway.KindSize, got[1].Kind)
	assert.Equal(t, float64(300), got[1].Size)
	assert.Equal(t, gateway.KindError, got[2].Kind)
	assert.Equal(t, 354, got[2].Code)
	assert.Equal(t, int64(10001), got[2].RequestID)

	// Both errors landed in the classifier history regardless.
	assert.Len(t, m.Classifier().History(), 2)
}
