package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errStaleGeneration marks work that belongs to a connection which has since
// been replaced or closed.
var errStaleGeneration = errors.New("session: stale connection generation")

// HeartbeatMonitor sends a keepalive when the connection has been idle for
// longer than the interval.
type HeartbeatMonitor struct {
	interval time.Duration
	now      func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

func NewHeartbeatMonitor(interval time.Duration, now func() time.Time) *HeartbeatMonitor {
	if interval <= 0 {
		interval = DefaultTuning().HeartbeatInterval
	}
	if now == nil {
		now = time.Now
	}
	return &HeartbeatMonitor{interval: interval, now: now}
}

// Touch records inbound activity.
func (h *HeartbeatMonitor) Touch() {
	h.mu.Lock()
	h.lastActivity = h.now()
	h.mu.Unlock()
}

func (h *HeartbeatMonitor) idle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now().Sub(h.lastActivity) > h.interval
}

// Start runs the keepalive loop. A keepalive error other than a stale
// generation stops the loop and is passed to onFailure.
func (h *HeartbeatMonitor) Start(keepalive func() error, onFailure func(error)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	h.done = done
	h.lastActivity = h.now()
	h.mu.Unlock()

	go h.run(ctx, done, keepalive, onFailure)
}

// Stop cancels the loop without waiting. The returned channel closes once the
// loop goroutine has exited.
func (h *HeartbeatMonitor) Stop() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	h.cancel()
	h.cancel = nil
	return h.done
}

func (h *HeartbeatMonitor) run(ctx context.Context, done chan struct{}, keepalive func() error, onFailure func(error)) {
	defer close(done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !h.idle() {
			continue
		}
		if err := keepalive(); err != nil {
			if ctx.Err() != nil || errors.Is(err, errStaleGeneration) {
				return
			}
			if onFailure != nil {
				onFailure(err)
			}
			return
		}
		h.Touch()
	}
}
