// internal/marketdata/manager.go
package marketdata

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/northquay/gatelink/internal/classifier"
	"github.com/northquay/gatelink/internal/gateway"
	"github.com/northquay/gatelink/internal/metrics"
)

// DefaultResubscribeDelay spaces successive resubscriptions after a
// reconnect so the gateway is not flooded.
const DefaultResubscribeDelay = 100 * time.Millisecond

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("marketdata: manager closed")

// Conn is the slice of the session manager the subscription layer needs:
// connectivity events in, per-request events out.
type Conn interface {
	RegisterConnectedCallback(fn func())
	RegisterDisconnectedCallback(fn func(error))
	SetTickHandler(fn func(gateway.TickEvent))
}

// TickCallback receives the market-data events of one subscription.
type TickCallback func(ev gateway.TickEvent)

// Config tunes the subscription manager.
type Config struct {
	// ResubscribeDelay is the pause between successive resubscriptions in a
	// restoration pass; <= 0 selects DefaultResubscribeDelay.
	ResubscribeDelay time.Duration
}

// entry tracks one desired subscription. The symbol key is its durable
// identity; the request id is ephemeral and reassigned on every
// resubscription.
type entry struct {
	key       string
	contract  gateway.Contract
	callback  TickCallback
	tickList  string
	snapshot  bool
	active    bool
	requestID int64
}

// Manager keeps the application's desired market-data subscriptions and
// keeps them live across reconnects. It decouples what the application
// wants subscribed from whatever transport request id currently represents
// it: a connection loss parks every entry, and the restoration pass
// re-issues each one under a fresh id.
type Manager struct {
	transport  gateway.Transport
	logger     *zap.Logger
	metrics    *metrics.Collector
	idSource   *gateway.RequestIDSource
	resubDelay time.Duration

	// mu guards both maps and every entry; all read-modify-write sequences
	// on subscription state happen under it.
	mu           sync.Mutex
	subs         map[string]*entry
	byID         map[int64]string
	reconnecting bool
	closed       bool
}

// NewManager wires the subscription layer into conn's connectivity events
// and tick stream. The collector may be nil.
func NewManager(conn Conn, transport gateway.Transport, cfg Config, logger *zap.Logger, collector *metrics.Collector) *Manager {
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = DefaultResubscribeDelay
	}
	m := &Manager{
		transport:  transport,
		logger:     logger.Named("marketdata"),
		metrics:    collector,
		idSource:   gateway.NewRequestIDSource(gateway.DefaultRequestIDFloor),
		resubDelay: cfg.ResubscribeDelay,
		subs:       make(map[string]*entry),
		byID:       make(map[int64]string),
	}
	conn.RegisterDisconnectedCallback(m.handleConnectionLost)
	conn.RegisterConnectedCallback(m.handleConnectionRestored)
	conn.SetTickHandler(m.dispatch)
	return m
}

// Subscribe registers the contract's market-data stream and returns the
// transport request id. Subscribing a symbol key that is already tracked
// overwrites the entry in place, cancelling its previous registration. On
// transport failure the entry is retained inactive, so the intent survives
// and the next restoration pass re-issues it; the error is still returned.
func (m *Manager) Subscribe(contract gateway.Contract, callback TickCallback, tickList string, snapshot bool) (int64, error) {
	key := contract.SymbolKey()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	if prev, ok := m.subs[key]; ok && prev.active {
		delete(m.byID, prev.requestID)
		if err := m.transport.CancelMarketData(prev.requestID); err != nil {
			m.logger.Warn("cancel before overwrite failed",
				zap.String("symbol_key", key),
				zap.Int64("req_id", prev.requestID),
				zap.Error(err))
		}
	}

	e := &entry{
		key:      key,
		contract: contract,
		callback: callback,
		tickList: tickList,
		snapshot: snapshot,
	}
	m.subs[key] = e

	id := m.idSource.Next()
	if err := m.transport.ReqMarketData(id, contract, tickList, snapshot); err != nil {
		m.metrics.ActiveSubscriptions(m.activeCountLocked())
		return 0, fmt.Errorf("marketdata: subscribe %s: %w", key, err)
	}

	e.active = true
	e.requestID = id
	m.byID[id] = key
	m.metrics.ActiveSubscriptions(m.activeCountLocked())

	m.logger.Info("subscribed",
		zap.String("symbol_key", key),
		zap.Int64("req_id", id),
		zap.String("tick_list", tickList),
		zap.Bool("snapshot", snapshot))
	return id, nil
}

// Unsubscribe drops the subscription for key. Unknown keys return false and
// nothing else happens; this makes unsubscribing an already-invalidated
// entry a safe no-op.
func (m *Manager) Unsubscribe(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsubscribeLocked(key)
}

// UnsubscribeAll tears down every tracked subscription. Used at shutdown.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.keysLocked()
	for _, key := range keys {
		m.unsubscribeLocked(key)
	}
	m.logger.Info("all subscriptions removed", zap.Int("count", len(keys)))
}

// Close removes every subscription and makes the manager inert: further
// Subscribe calls fail and connectivity handlers become no-ops, so events
// arriving mid-destruction are harmless.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, key := range m.keysLocked() {
		m.unsubscribeLocked(key)
	}
	m.closed = true
}

// IsSubscribed reports whether key is tracked and currently live on the
// transport.
func (m *Manager) IsSubscribed(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.subs[key]
	return ok && e.active
}

// RequestID returns the current transport id for key, 0 if the entry is
// unknown or parked.
func (m *Manager) RequestID(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.subs[key]; ok {
		return e.requestID
	}
	return 0
}

// Count returns the number of tracked subscriptions, parked ones included.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Symbols returns the tracked symbol keys in sorted order.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keysLocked()
}

// handleConnectionLost parks every subscription: entries stay tracked but
// inactive, and the id map empties because every live request id died with
// the connection. Only the first loss of a cycle does the work; duplicates
// are suppressed until a restoration pass completes.
func (m *Manager) handleConnectionLost(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.reconnecting {
		return
	}
	m.reconnecting = true

	for _, e := range m.subs {
		e.active = false
		e.requestID = 0
	}
	m.byID = make(map[int64]string)
	m.metrics.ActiveSubscriptions(0)

	m.logger.Warn("connection lost, subscriptions parked",
		zap.Int("count", len(m.subs)),
		zap.Error(err))
}

// handleConnectionRestored re-issues every parked subscription with a fresh
// request id. It iterates a sorted snapshot of keys so concurrent
// subscribe/unsubscribe calls cannot disturb the pass, sleeps between
// entries to avoid flooding the gateway, and logs-and-continues past
// individual failures. The reconnecting flag clears only after the pass.
func (m *Manager) handleConnectionRestored() {
	m.mu.Lock()
	if m.closed || !m.reconnecting {
		m.mu.Unlock()
		return
	}
	keys := m.keysLocked()
	m.mu.Unlock()

	m.logger.Info("connection restored, resubscribing", zap.Int("count", len(keys)))

	for i, key := range keys {
		if i > 0 {
			time.Sleep(m.resubDelay)
		}
		m.resubscribe(key)
	}

	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()

	m.logger.Info("resubscription pass complete")
}

// resubscribe re-issues one parked entry. Entries unsubscribed or already
// re-activated since the snapshot are skipped.
func (m *Manager) resubscribe(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	e, ok := m.subs[key]
	if !ok || e.active {
		return
	}

	id := m.idSource.Next()
	if err := m.transport.ReqMarketData(id, e.contract, e.tickList, e.snapshot); err != nil {
		m.metrics.Resubscription("failed")
		m.logger.Warn("resubscription failed",
			zap.String("symbol_key", key),
			zap.Error(err))
		return
	}

	e.active = true
	e.requestID = id
	m.byID[id] = key
	m.metrics.Resubscription("success")
	m.metrics.ActiveSubscriptions(m.activeCountLocked())

	m.logger.Info("resubscribed",
		zap.String("symbol_key", key),
		zap.Int64("req_id", id))
}

// dispatch routes one per-request event to its subscription. Stale ids are
// dropped. A gateway error from the subscription-invalidated set parks just
// that entry, without touching others and without any reconnect; other error
// events stop here because the classifier is their surface.
func (m *Manager) dispatch(ev gateway.TickEvent) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	key, ok := m.byID[ev.RequestID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e := m.subs[key]
	if e == nil {
		m.mu.Unlock()
		return
	}

	if ev.Kind == gateway.KindError {
		if classifier.InvalidatesSubscription(ev.Code) {
			e.active = false
			e.requestID = 0
			delete(m.byID, ev.RequestID)
			m.metrics.ActiveSubscriptions(m.activeCountLocked())
			m.mu.Unlock()
			m.logger.Warn("subscription invalidated by gateway",
				zap.String("symbol_key", key),
				zap.Int("code", ev.Code),
				zap.String("message", ev.Message))
			return
		}
		m.mu.Unlock()
		return
	}

	cb := e.callback
	m.mu.Unlock()

	if cb == nil {
		return
	}
	m.invoke(cb, key, ev)
}

func (m *Manager) invoke(cb TickCallback, key string, ev gateway.TickEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscription callback panicked",
				zap.String("symbol_key", key),
				zap.Any("panic", r))
		}
	}()
	cb(ev)
}

// unsubscribeLocked removes one entry and its id row under mu.
func (m *Manager) unsubscribeLocked(key string) bool {
	e, ok := m.subs[key]
	if !ok {
		return false
	}
	if e.active {
		delete(m.byID, e.requestID)
		if err := m.transport.CancelMarketData(e.requestID); err != nil {
			m.logger.Warn("cancel market data failed",
				zap.String("symbol_key", key),
				zap.Int64("req_id", e.requestID),
				zap.Error(err))
		}
	}
	delete(m.subs, key)
	m.metrics.ActiveSubscriptions(m.activeCountLocked())

	m.logger.Info("unsubscribed", zap.String("symbol_key", key))
	return true
}

func (m *Manager) keysLocked() []string {
	keys := make([]string, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, e := range m.subs {
		if e.active {
			n++
		}
	}
	return n
}
