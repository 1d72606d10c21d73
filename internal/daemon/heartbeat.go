package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
)

// DefaultHeartbeatInterval is how often the broadcaster emits a heartbeat
// event while the daemon is up.
const DefaultHeartbeatInterval = 15 * time.Second

// Heartbeat periodically emits a "daemon.heartbeat" event so WebSocket
// clients and liveness probes have a cheap signal the daemon is alive
// without polling the PID file. It runs one ticker goroutine, stopped by
// cancelling its context and waiting on a done channel.
type Heartbeat struct {
	bus      *eventbus.Bus
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat constructs a Heartbeat that emits on bus every interval
// (DefaultHeartbeatInterval if interval <= 0).
func NewHeartbeat(bus *eventbus.Bus, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{bus: bus, interval: interval}
}

// Start begins the broadcast loop. Calling Start while already running is
// a no-op.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-ticker.C:
				h.bus.Emit(eventbus.Event{
					Type:      "daemon.heartbeat",
					Timestamp: tick,
					Payload:   map[string]any{"intervalSeconds": h.interval.Seconds()},
				})
			}
		}
	}()
}

// Stop halts the broadcast loop and waits for its goroutine to exit.
// Calling Stop when not running is a no-op.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	done := h.done
	h.cancel = nil
	h.done = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
