package mesh

import (
	"sync"
	"time"
)

// DefaultHeartbeatInterval is the ping period on the data channel.
const DefaultHeartbeatInterval = 5 * time.Second

// heartbeat pings on every tick and gives up when the previous ping is still
// unanswered at the next one.
type heartbeat struct {
	interval  time.Duration
	ping      func() error
	onTimeout func()

	mu       sync.Mutex
	awaiting bool
	started  bool

	stopOnce sync.Once
	stopped  chan struct{}
}

func newHeartbeat(interval time.Duration, ping func() error, onTimeout func()) *heartbeat {
	return &heartbeat{
		interval:  interval,
		ping:      ping,
		onTimeout: onTimeout,
		stopped:   make(chan struct{}),
	}
}

// start launches the ticker loop. Later calls are ignored.
func (h *heartbeat) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.interval <= 0 {
		return
	}
	h.started = true
	go h.loop()
}

func (h *heartbeat) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopped:
			return
		case <-ticker.C:
			h.mu.Lock()
			missed := h.awaiting
			h.awaiting = true
			h.mu.Unlock()

			if missed {
				h.stop()
				h.onTimeout()
				return
			}
			// A failed send is caught by the next tick.
			_ = h.ping()
		}
	}
}

func (h *heartbeat) pong() {
	h.mu.Lock()
	h.awaiting = false
	h.mu.Unlock()
}

func (h *heartbeat) stop() {
	h.stopOnce.Do(func() { close(h.stopped) })
}
