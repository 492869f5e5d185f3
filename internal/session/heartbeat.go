package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Heartbeat watches the time since the last liveness signal and invokes a
// timeout callback from its periodic check loop. It keeps firing on every
// subsequent check while liveness stays absent: a still-silent session
// should keep alerting until a fresh signal arrives or the monitor is
// stopped. It never touches the connection itself; recovery belongs to the
// connection manager.
type Heartbeat struct {
	interval  time.Duration
	timeout   time.Duration
	onTimeout func()
	logger    *zap.Logger

	mu      sync.Mutex
	last    time.Time
	seen    bool
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHeartbeat creates a monitor that checks every interval whether more
// than timeout has passed since the last liveness signal. A timeout <= 0
// makes the callback fire on the very first check.
func NewHeartbeat(interval, timeout time.Duration, onTimeout func(), logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		interval:  interval,
		timeout:   timeout,
		onTimeout: onTimeout,
		logger:    logger.Named("heartbeat"),
	}
}

// Start launches the check loop; calling it while running is a no-op. The
// start instant becomes the liveness baseline.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.last = time.Now()
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	stop, done := h.stopCh, h.doneCh
	h.mu.Unlock()

	h.logger.Debug("heartbeat monitor started",
		zap.Duration("interval", h.interval),
		zap.Duration("timeout", h.timeout))

	go h.loop(stop, done)
}

// Stop halts the check loop and joins it with a bounded wait. Idempotent.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	stop, done := h.stopCh, h.doneCh
	h.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(h.interval + time.Second):
		h.logger.Warn("heartbeat loop did not stop in time")
	}

	h.logger.Debug("heartbeat monitor stopped")
}

// ReceivedHeartbeat records a liveness signal.
func (h *Heartbeat) ReceivedHeartbeat() {
	h.mu.Lock()
	h.last = time.Now()
	h.seen = true
	h.mu.Unlock()
}

// TimeSinceLastHeartbeat returns the elapsed time since the last liveness
// signal, or 0 if none was ever received.
func (h *Heartbeat) TimeSinceLastHeartbeat() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.seen {
		return 0
	}
	return time.Since(h.last)
}

// IsRunning reports whether the check loop is active.
func (h *Heartbeat) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Heartbeat) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.check()
		}
	}
}

func (h *Heartbeat) check() {
	h.mu.Lock()
	elapsed := time.Since(h.last)
	h.mu.Unlock()

	if elapsed <= h.timeout {
		return
	}

	h.logger.Warn("liveness timeout",
		zap.Duration("since_last_signal", elapsed),
		zap.Duration("timeout", h.timeout))
	h.fireTimeout()
}

// fireTimeout invokes the callback, recovering a panic so the check loop
// survives a broken listener.
func (h *Heartbeat) fireTimeout() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("timeout callback panicked", zap.Any("panic", r))
		}
	}()
	if h.onTimeout != nil {
		h.onTimeout()
	}
}
