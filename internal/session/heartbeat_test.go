package session

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestHeartbeatFiresAfterSilence(t *testing.T) {
	fired := make(chan time.Time, 1)
	h := NewHeartbeat(20*time.Millisecond, 50*time.Millisecond, func() {
		select {
		case fired <- time.Now():
		default:
		}
	}, zap.NewNop())

	start := time.Now()
	h.Start()
	defer h.Stop()

	select {
	case at := <-fired:
		if elapsed := at.Sub(start); elapsed < 50*time.Millisecond {
			t.Errorf("timeout fired after %v, before the 50ms window elapsed", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}
}

func TestHeartbeatZeroTimeoutFiresFirstCheck(t *testing.T) {
	fired := make(chan struct{}, 1)
	h := NewHeartbeat(10*time.Millisecond, 0, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, zap.NewNop())

	h.Start()
	defer h.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("zero timeout should fire on the first check")
	}
}

func TestHeartbeatSignalSuppressesTimeout(t *testing.T) {
	var count int64
	h := NewHeartbeat(10*time.Millisecond, 100*time.Millisecond, func() {
		atomic.AddInt64(&count, 1)
	}, zap.NewNop())

	h.Start()
	defer h.Stop()

	// Feed liveness well inside the timeout window.
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(300 * time.Millisecond)
		for {
			select {
			case <-ticker.C:
				h.ReceivedHeartbeat()
			case <-deadline:
				return
			}
		}
	}()

	<-feedDone
	if n := atomic.LoadInt64(&count); n != 0 {
		t.Fatalf("timeout fired %d times while signals were flowing", n)
	}

	// Once the feed stops, the monitor must notice.
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&count) == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout never fired after signals stopped")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHeartbeatKeepsFiringWhileSilent(t *testing.T) {
	var count int64
	h := NewHeartbeat(10*time.Millisecond, 0, func() {
		atomic.AddInt64(&count, 1)
	}, zap.NewNop())

	h.Start()
	defer h.Stop()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&count) < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected repeated firing, got %d", atomic.LoadInt64(&count))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHeartbeatStopPreventsFiring(t *testing.T) {
	var count int64
	h := NewHeartbeat(10*time.Millisecond, 30*time.Millisecond, func() {
		atomic.AddInt64(&count, 1)
	}, zap.NewNop())

	h.Start()
	h.Stop()

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt64(&count); n != 0 {
		t.Fatalf("timeout fired %d times after Stop", n)
	}
}

func TestHeartbeatStartStopIdempotent(t *testing.T) {
	h := NewHeartbeat(10*time.Millisecond, time.Second, nil, zap.NewNop())

	h.Start()
	h.Start()
	if !h.IsRunning() {
		t.Fatal("monitor should be running after Start")
	}

	h.Stop()
	h.Stop()
	if h.IsRunning() {
		t.Fatal("monitor should not be running after Stop")
	}

	// A fresh cycle must work after a full stop.
	h.Start()
	if !h.IsRunning() {
		t.Fatal("monitor should restart after Stop")
	}
	h.Stop()
}

func TestHeartbeatCallbackPanicRecovered(t *testing.T) {
	var count int64
	h := NewHeartbeat(10*time.Millisecond, 0, func() {
		atomic.AddInt64(&count, 1)
		panic("listener broke")
	}, zap.NewNop())

	h.Start()
	defer h.Stop()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&count) < 2 {
		select {
		case <-deadline:
			t.Fatalf("loop died after a callback panic, fired %d times", atomic.LoadInt64(&count))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTimeSinceLastHeartbeat(t *testing.T) {
	h := NewHeartbeat(time.Second, time.Second, nil, zap.NewNop())

	if got := h.TimeSinceLastHeartbeat(); got != 0 {
		t.Fatalf("expected 0 before any signal, got %v", got)
	}

	h.ReceivedHeartbeat()
	time.Sleep(20 * time.Millisecond)

	got := h.TimeSinceLastHeartbeat()
	if got <= 0 {
		t.Fatalf("expected positive elapsed time, got %v", got)
	}
	if got > time.Second {
		t.Fatalf("elapsed time implausibly large: %v", got)
	}
}
