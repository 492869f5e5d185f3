// internal/session/manager.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/northquay/gatelink/internal/classifier"
	"github.com/northquay/gatelink/internal/gateway"
	"github.com/northquay/gatelink/internal/metrics"
)

// State is the lifecycle phase of a gateway session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	DefaultHeartbeatInterval    = 5 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 10

	// eventBufferSize bounds the callback dispatch queue. Connection
	// transitions are rare, so a full queue means the process is wedged;
	// events are dropped with an error log rather than blocking a transport
	// goroutine.
	eventBufferSize = 64
)

// errSuperseded marks a connect attempt that lost to a newer generation.
var errSuperseded = errors.New("session: superseded by a newer connect or disconnect")

// Config describes one gateway session. Immutable once handed to NewManager.
type Config struct {
	Host     string
	Port     int
	ClientID int

	// HeartbeatInterval is the check cadence and the probe cadence.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout <= 0 makes the monitor fire on its first check.
	HeartbeatTimeout time.Duration

	// ReconnectDelay is the base backoff delay; attempt k waits delay*2^k.
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// ErrorHistorySize bounds the classifier history; <= 0 selects the
	// classifier default.
	ErrorHistorySize int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	return c
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventDisconnected
)

func (k eventKind) String() string {
	if k == eventConnected {
		return "connected"
	}
	return "disconnected"
}

// sessionEvent is a connectivity transition queued for callback delivery.
type sessionEvent struct {
	kind eventKind
	err  error
}

// Manager composes the transport, the heartbeat monitor, and the error
// classifier into the session state machine, and owns the reconnection
// policy. Collaborators observe connectivity only through the registered
// callbacks and IsConnected.
type Manager struct {
	cfg       Config
	transport gateway.Transport
	logger    *zap.Logger
	metrics   *metrics.Collector

	heartbeat  *Heartbeat
	classifier *classifier.Classifier

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards state and generation; it is never held across transport
	// calls or callback invocations.
	mu         sync.Mutex
	state      State
	generation uint64

	// connMu serializes transport connect/disconnect sequences and the
	// heartbeat/probe lifecycle tied to them, so a stale reconnect attempt
	// can never race a fresh Connect or an explicit Disconnect.
	connMu sync.Mutex

	reconnectAttempts int32 // atomic

	cbMu           sync.Mutex
	onConnected    []func()
	onDisconnected []func(error)

	tickMu      sync.RWMutex
	tickHandler func(gateway.TickEvent)

	sessMu         sync.Mutex
	accounts       []string
	lastServerTime time.Time

	probeMu   sync.Mutex
	probeStop chan struct{}
	probeDone chan struct{}

	events chan sessionEvent
}

// NewManager wires a session around the given transport. It installs the
// transport handlers, so the transport must not be connected yet. The
// collector may be nil.
func NewManager(cfg Config, transport gateway.Transport, logger *zap.Logger, collector *metrics.Collector) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		logger:    logger.Named("session"),
		metrics:   collector,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
		events:    make(chan sessionEvent, eventBufferSize),
	}
	m.heartbeat = NewHeartbeat(cfg.HeartbeatInterval, cfg.HeartbeatTimeout, m.onHeartbeatTimeout, m.logger)
	m.classifier = classifier.New(m.logger, cfg.ErrorHistorySize)

	transport.SetHandlers(gateway.Handlers{
		ConnectAck:       m.onConnectAck,
		ConnectionClosed: m.onConnectionClosed,
		CurrentTime:      m.onCurrentTime,
		ManagedAccounts:  m.onManagedAccounts,
		Error:            m.onError,
		TickPrice:        m.onTickPrice,
		TickSize:         m.onTickSize,
		TickString:       m.onTickString,
		TickGeneric:      m.onTickGeneric,
	})

	go m.dispatchEvents()

	return m
}

// Connect establishes the session: dial, handshake, heartbeat, probe,
// connected callbacks. It supersedes any in-flight reconnection loop. On
// transport failure it returns the error and leaves the session
// disconnected; an explicit connect never auto-retries.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("session: connect while %s", st)
	}
	m.generation++
	gen := m.generation
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.connMu.Lock()
	defer m.connMu.Unlock()

	if !m.isGeneration(gen) {
		return errSuperseded
	}
	if err := m.transport.Connect(ctx, m.cfg.Host, m.cfg.Port, m.cfg.ClientID); err != nil {
		m.setStateIfGeneration(gen, StateDisconnected)
		return fmt.Errorf("session: gateway connect: %w", err)
	}
	return m.afterConnect(gen)
}

// Disconnect tears the session down and cancels any in-flight reconnection
// loop. Disconnected callbacks fire only if the session was actually
// connected; cancelling a reconnection cycle fires nothing because the loss
// was already announced.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	m.mu.Unlock()

	m.connMu.Lock()
	m.heartbeat.Stop()
	m.stopProbe()
	if err := m.transport.Disconnect(); err != nil {
		m.logger.Debug("transport disconnect", zap.Error(err))
	}
	m.mu.Lock()
	wasConnected := m.state == StateConnected
	m.setStateLocked(StateDisconnected)
	if wasConnected {
		m.enqueueLocked(sessionEvent{kind: eventDisconnected})
	}
	m.mu.Unlock()
	m.connMu.Unlock()

	m.logger.Info("session disconnected")
}

// Reconnect performs one caller-driven teardown and connect cycle.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect()
	return m.Connect(ctx)
}

// Close disconnects and releases the manager's goroutines. The manager is
// unusable afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

// IsConnected double-checks the state machine against the transport, so
// drift between the two reads as down rather than up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()
	return connected && m.transport.IsConnected()
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempts reports the attempt counter of the active reconnection
// loop; 0 outside a loop and after any successful connect.
func (m *Manager) ReconnectAttempts() int {
	return int(atomic.LoadInt32(&m.reconnectAttempts))
}

// ResetReconnectAttempts clears the attempt counter.
func (m *Manager) ResetReconnectAttempts() {
	atomic.StoreInt32(&m.reconnectAttempts, 0)
}

// Classifier exposes the session's error classifier for callback
// registration and history inspection.
func (m *Manager) Classifier() *classifier.Classifier {
	return m.classifier
}

// RegisterConnectedCallback adds fn to the connected fan-out list. Callbacks
// run in registration order on the dispatch goroutine; a panic in one is
// recovered and logged without skipping the rest.
func (m *Manager) RegisterConnectedCallback(fn func()) {
	m.cbMu.Lock()
	m.onConnected = append(m.onConnected, fn)
	m.cbMu.Unlock()
}

// RegisterDisconnectedCallback adds fn to the disconnected fan-out list. The
// error is nil for an explicit Disconnect.
func (m *Manager) RegisterDisconnectedCallback(fn func(error)) {
	m.cbMu.Lock()
	m.onDisconnected = append(m.onDisconnected, fn)
	m.cbMu.Unlock()
}

// SetTickHandler installs the per-request event sink. Gateway errors that
// carry a positive request id are delivered here as KindError events in
// addition to the classifier.
func (m *Manager) SetTickHandler(fn func(gateway.TickEvent)) {
	m.tickMu.Lock()
	m.tickHandler = fn
	m.tickMu.Unlock()
}

// Accounts returns the most recent managed-accounts push.
func (m *Manager) Accounts() []string {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	out := make([]string, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// LastServerTime returns the gateway clock from the latest probe response,
// zero if none arrived yet.
func (m *Manager) LastServerTime() time.Time {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	return m.lastServerTime
}

// Heartbeat exposes the liveness monitor (read-mostly: tests and health
// endpoints inspect it).
func (m *Manager) Heartbeat() *Heartbeat {
	return m.heartbeat
}

// afterConnect finishes a successful transport connect under connMu. A
// stale generation means a Disconnect or fresh Connect won the race; the
// freshly opened connection belongs to nobody and is torn down.
func (m *Manager) afterConnect(gen uint64) error {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		if err := m.transport.Disconnect(); err != nil {
			m.logger.Debug("stale connect teardown", zap.Error(err))
		}
		return errSuperseded
	}
	m.setStateLocked(StateConnected)
	m.enqueueLocked(sessionEvent{kind: eventConnected})
	m.mu.Unlock()

	atomic.StoreInt32(&m.reconnectAttempts, 0)
	m.heartbeat.Start()
	m.startProbe()

	m.logger.Info("session connected",
		zap.String("host", m.cfg.Host),
		zap.Int("port", m.cfg.Port),
		zap.Int("client_id", m.cfg.ClientID))
	return nil
}

// handleConnectionLost runs the single guarded connected -> reconnecting
// transition. Both loss signals (heartbeat timeout, transport closed) funnel
// here; whichever arrives second finds the state already moved and becomes a
// no-op.
func (m *Manager) handleConnectionLost(reason error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.generation++
	gen := m.generation
	m.setStateLocked(StateReconnecting)
	m.enqueueLocked(sessionEvent{kind: eventDisconnected, err: reason})
	m.mu.Unlock()

	m.logger.Warn("connection lost", zap.Error(reason))

	m.connMu.Lock()
	m.heartbeat.Stop()
	m.stopProbe()
	if err := m.transport.Disconnect(); err != nil {
		m.logger.Debug("transport disconnect after loss", zap.Error(err))
	}
	m.connMu.Unlock()

	go m.reconnectLoop(gen)
}

// reconnectLoop retries the connect with exponential backoff until success,
// exhaustion, or supersession by a newer generation. It sleeps before every
// attempt; attempt k (from 0) waits ReconnectDelay*2^k.
func (m *Manager) reconnectLoop(gen uint64) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.ReconnectDelay
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = backoffCeiling(m.cfg.ReconnectDelay, m.cfg.MaxReconnectAttempts)

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		wait := policy.NextBackOff()
		m.logger.Info("reconnect attempt scheduled",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxReconnectAttempts),
			zap.Duration("wait", wait))

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(wait):
		}

		if !m.isGeneration(gen) {
			return
		}
		atomic.StoreInt32(&m.reconnectAttempts, int32(attempt))

		err := m.reconnectOnce(gen)
		if err == nil {
			m.metrics.ReconnectAttempt("success")
			m.logger.Info("session reconnected", zap.Int("attempt", attempt))
			return
		}
		if errors.Is(err, errSuperseded) {
			return
		}
		m.metrics.ReconnectAttempt("failed")
		m.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxReconnectAttempts),
			zap.Error(err))
	}

	m.exhausted(gen)
}

// reconnectOnce performs a single transport connect for the loop.
func (m *Manager) reconnectOnce(gen uint64) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return errSuperseded
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := m.transport.Connect(m.ctx, m.cfg.Host, m.cfg.Port, m.cfg.ClientID); err != nil {
		m.setStateIfGeneration(gen, StateReconnecting)
		return err
	}
	return m.afterConnect(gen)
}

// exhausted ends a reconnection loop that never succeeded. The session
// stays down until an explicit Connect; the disconnected callbacks already
// fired when the loss was detected.
func (m *Manager) exhausted(gen uint64) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.metrics.ReconnectAttempt("exhausted")
	m.logger.Error("reconnect attempts exhausted, session remains down",
		zap.Int("attempts", m.cfg.MaxReconnectAttempts),
		zap.String("host", m.cfg.Host),
		zap.Int("port", m.cfg.Port))
}

// forceConnected handles a gateway code from the connectivity-restored set.
// While reconnecting it short-circuits the loop: the gateway told us the
// link is back, so adopt connected, reset attempts, refresh liveness, and
// fire connected callbacks so subscriptions recover. When already connected
// it only refreshes liveness. Explicit disconnects and in-flight connects
// are left alone.
func (m *Manager) forceConnected(code int) {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		m.heartbeat.ReceivedHeartbeat()
		return
	case StateReconnecting:
	default:
		m.mu.Unlock()
		return
	}
	m.generation++
	m.setStateLocked(StateConnected)
	m.enqueueLocked(sessionEvent{kind: eventConnected})
	m.mu.Unlock()

	atomic.StoreInt32(&m.reconnectAttempts, 0)

	m.connMu.Lock()
	m.heartbeat.Start()
	m.heartbeat.ReceivedHeartbeat()
	m.startProbe()
	m.connMu.Unlock()

	m.logger.Info("gateway reports connectivity restored", zap.Int("code", code))
}

// --- transport handlers -------------------------------------------------

func (m *Manager) onConnectAck() {
	m.heartbeat.ReceivedHeartbeat()
	m.logger.Debug("gateway acknowledged handshake")
}

func (m *Manager) onConnectionClosed(err error) {
	if err == nil {
		err = errors.New("connection closed by gateway")
	}
	// Hand off so transport and heartbeat goroutines never run the
	// teardown path themselves.
	go m.handleConnectionLost(err)
}

func (m *Manager) onHeartbeatTimeout() {
	elapsed := m.heartbeat.TimeSinceLastHeartbeat()
	m.metrics.HeartbeatTimeout()
	go m.handleConnectionLost(fmt.Errorf("heartbeat timeout: no liveness signal for %s", elapsed))
}

func (m *Manager) onCurrentTime(t time.Time) {
	m.heartbeat.ReceivedHeartbeat()
	m.sessMu.Lock()
	m.lastServerTime = t
	m.sessMu.Unlock()
	m.logger.Debug("gateway time", zap.Time("server_time", t))
}

func (m *Manager) onManagedAccounts(accounts []string) {
	m.heartbeat.ReceivedHeartbeat()
	m.sessMu.Lock()
	m.accounts = append([]string(nil), accounts...)
	m.sessMu.Unlock()
	m.logger.Info("managed accounts received", zap.Strings("accounts", accounts))
}

func (m *Manager) onError(reqID int64, code int, message string, reject json.RawMessage) {
	m.classifier.HandleError(reqID, code, message, reject)

	cats := classifier.Classify(code)
	if len(cats) == 0 {
		m.metrics.GatewayError("unclassified")
	}
	for _, cat := range cats {
		m.metrics.GatewayError(string(cat))
	}

	if classifier.IsConnectivityRestored(code) {
		go m.forceConnected(code)
	}

	if reqID > 0 {
		m.dispatchTick(gateway.TickEvent{
			RequestID: reqID,
			Kind:      gateway.KindError,
			Code:      code,
			Message:   message,
		})
	}
}

func (m *Manager) onTickPrice(reqID int64, tick gateway.TickType, price float64) {
	m.dispatchTick(gateway.TickEvent{RequestID: reqID, Kind: gateway.KindPrice, Type: tick, Price: price})
}

func (m *Manager) onTickSize(reqID int64, tick gateway.TickType, size float64) {
	m.dispatchTick(gateway.TickEvent{RequestID: reqID, Kind: gateway.KindSize, Type: tick, Size: size})
}

func (m *Manager) onTickString(reqID int64, tick gateway.TickType, value string) {
	m.dispatchTick(gateway.TickEvent{RequestID: reqID, Kind: gateway.KindString, Type: tick, Value: value})
}

func (m *Manager) onTickGeneric(reqID int64, tick gateway.TickType, value float64) {
	m.dispatchTick(gateway.TickEvent{RequestID: reqID, Kind: gateway.KindGeneric, Type: tick, Generic: value})
}

func (m *Manager) dispatchTick(ev gateway.TickEvent) {
	m.tickMu.RLock()
	handler := m.tickHandler
	m.tickMu.RUnlock()
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("tick handler panicked",
				zap.Int64("req_id", ev.RequestID),
				zap.String("kind", ev.Kind.String()),
				zap.Any("panic", r))
		}
	}()
	handler(ev)
}

// --- probe ----------------------------------------------------------------

// startProbe launches the explicit liveness probe: one ReqCurrentTime per
// heartbeat interval while the session is up. No-op if already running.
func (m *Manager) startProbe() {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if m.probeStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.probeStop, m.probeDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.transport.ReqCurrentTime(); err != nil {
					m.logger.Debug("liveness probe failed", zap.Error(err))
				}
			}
		}
	}()
}

func (m *Manager) stopProbe() {
	m.probeMu.Lock()
	stop, done := m.probeStop, m.probeDone
	m.probeStop, m.probeDone = nil, nil
	m.probeMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// --- event dispatch ---------------------------------------------------

// enqueueLocked queues a transition for callback delivery. Called with mu
// held so the queue order matches the transition order. Never blocks.
func (m *Manager) enqueueLocked(ev sessionEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Error("event queue full, dropping event",
			zap.String("event", ev.kind.String()))
	}
}

// dispatchEvents delivers connectivity callbacks in transition order on a
// single goroutine, so collaborators always observe disconnected before the
// matching reconnected.
func (m *Manager) dispatchEvents() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.deliver(ev)
		}
	}
}

func (m *Manager) deliver(ev sessionEvent) {
	switch ev.kind {
	case eventConnected:
		m.cbMu.Lock()
		cbs := make([]func(), len(m.onConnected))
		copy(cbs, m.onConnected)
		m.cbMu.Unlock()
		for _, fn := range cbs {
			m.safeConnected(fn)
		}
	case eventDisconnected:
		m.cbMu.Lock()
		cbs := make([]func(error), len(m.onDisconnected))
		copy(cbs, m.onDisconnected)
		m.cbMu.Unlock()
		for _, fn := range cbs {
			m.safeDisconnected(fn, ev.err)
		}
	}
}

func (m *Manager) safeConnected(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connected callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (m *Manager) safeDisconnected(fn func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("disconnected callback panicked", zap.Any("panic", r))
		}
	}()
	fn(err)
}

// --- helpers ----------------------------------------------------------

func (m *Manager) isGeneration(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

func (m *Manager) setStateIfGeneration(gen uint64, s State) {
	m.mu.Lock()
	if m.generation == gen {
		m.setStateLocked(s)
	}
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	old := m.state
	m.state = s
	m.metrics.ConnectionState(s.String())
	m.logger.Debug("state transition",
		zap.String("from", old.String()),
		zap.String("to", s.String()))
}

// backoffCeiling keeps the policy cap above every delay the attempt budget
// can produce, so spacing stays at delay*2^k throughout the loop.
func backoffCeiling(delay time.Duration, attempts int) time.Duration {
	shift := uint(attempts)
	if shift > 20 {
		shift = 20
	}
	return delay << shift
}
