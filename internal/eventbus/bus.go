// Package eventbus implements the daemon's single-process typed pub/sub
// (spec §4.7). It is the leaf dependency of the system: every other
// component (mailbox, resource pool, loop manager, orchestrator) emits onto
// one shared Bus and nothing emits to a Bus instance it does not own.
//
// Grounded on the teacher's two channel-fanout patterns: the per-watcher
// channel registry in internal/materials/events (cancel-context cleanup) and
// the per-session broadcaster in internal/server/app/event_broadcaster.go
// (buffered channel clients, evict rather than block). The Bus in-process
// handler path additionally matches spec ordering: handlers observe events
// in strict emission order and a failing handler must not poison others.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Jasonzhangf/finger-sub001/internal/logging"
)

// nowFunc is overridable in tests that need deterministic timestamps.
var nowFunc = time.Now

// Handler receives delivered events. A Handler must not block for long; the
// bus invokes handlers synchronously on the emitting goroutine in emission
// order (spec §4.7 "Ordering").
type Handler func(Event)

// Unsubscribe removes a previously registered handler. Idempotent: calling
// it more than once is a no-op.
type Unsubscribe func()

type subscription struct {
	id      uint64
	types   map[string]bool
	groups  []Group
	handler Handler
}

// Sink persists emitted events, e.g. to a per-session JSONL file.
type Sink interface {
	Append(sessionID string, event Event) error
}

// Bus is the owned, explicit-construction pub/sub hub (never a package
// global — callers wire *Bus through constructors, per spec §9's
// "Avoid module-level mutable globals" guidance).
type Bus struct {
	mu         sync.Mutex
	nextID     uint64
	byType     map[string][]*subscription
	wildcard   []*subscription
	history    []Event
	maxHistory int
	sink       Sink
	clients    map[*wsRegistration]struct{}
	logger     logging.Logger
}

// Config configures a new Bus.
type Config struct {
	MaxHistory int
	Sink       Sink // optional; nil disables persistence
	Logger     logging.Logger
}

// New constructs a Bus ready to accept subscriptions and emits.
func New(cfg Config) *Bus {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Bus{
		byType:     make(map[string][]*subscription),
		maxHistory: maxHistory,
		sink:       cfg.Sink,
		clients:    make(map[*wsRegistration]struct{}),
		logger:     logging.OrNop(cfg.Logger),
	}
}

// Subscribe registers handler for a single event type.
func (b *Bus) Subscribe(eventType string, handler Handler) Unsubscribe {
	return b.SubscribeMultiple([]string{eventType}, handler)
}

// SubscribeMultiple registers handler for any of the given event types.
func (b *Bus) SubscribeMultiple(types []string, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, types: make(map[string]bool, len(types)), handler: handler}
	for _, t := range types {
		sub.types[t] = true
		b.byType[t] = append(b.byType[t], sub)
	}
	return b.unsubscribeFromTypes(sub, types)
}

// SubscribeByGroup registers handler for every event type belonging to group.
func (b *Bus) SubscribeByGroup(group Group, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, groups: []Group{group}, handler: handler}
	b.wildcard = append(b.wildcard, sub) // group subs are matched like wildcard, filtered in deliver
	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = removeByID(b.wildcard, id)
	}
}

// SubscribeAll registers a wildcard handler receiving every emitted event.
func (b *Bus) SubscribeAll(handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler}
	b.wildcard = append(b.wildcard, sub)
	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = removeByID(b.wildcard, id)
	}
}

func (b *Bus) unsubscribeFromTypes(sub *subscription, types []string) Unsubscribe {
	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range types {
			b.byType[t] = removeByID(b.byType[t], id)
		}
	}
}

func removeByID(subs []*subscription, id uint64) []*subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Emit appends event to history, persists it if enabled, delivers to
// matching handlers in emission order, and fans it out to WebSocket clients.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = nowFunc()
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	typeSubs := append([]*subscription(nil), b.byType[event.Type]...)
	wildcardSubs := append([]*subscription(nil), b.wildcard...)
	sink := b.sink
	clients := make([]*wsRegistration, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	if sink != nil {
		if err := sink.Append(event.SessionID, event); err != nil {
			b.logger.Warn("event persistence failed for type %s: %v", event.Type, err)
		}
	}

	for _, sub := range typeSubs {
		b.safeInvoke(sub, event)
	}
	for _, sub := range wildcardSubs {
		if len(sub.groups) > 0 && !inGroups(event.Type, sub.groups) {
			continue
		}
		b.safeInvoke(sub, event)
	}

	b.broadcastToClients(clients, event)
}

func (b *Bus) safeInvoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked for type %s: %v", event.Type, r)
		}
	}()
	sub.handler(event)
}

// GetHistory returns up to limit most recent events (0 means all retained).
func (b *Bus) GetHistory(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tailCopy(b.history, limit, func(Event) bool { return true })
}

// GetHistoryByType filters history to a single event type.
func (b *Bus) GetHistoryByType(eventType string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tailCopy(b.history, limit, func(e Event) bool { return e.Type == eventType })
}

// GetHistoryByGroup filters history to events in the given group.
func (b *Bus) GetHistoryByGroup(group Group, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tailCopy(b.history, limit, func(e Event) bool { return inGroups(e.Type, []Group{group}) })
}

// GetSessionHistory filters history to a single session.
func (b *Bus) GetSessionHistory(sessionID string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tailCopy(b.history, limit, func(e Event) bool { return e.SessionID == sessionID })
}

// ClearHistory empties the ring buffer. Subscriptions are unaffected.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

func tailCopy(events []Event, limit int, keep func(Event) bool) []Event {
	var filtered []Event
	for _, e := range events {
		if keep(e) {
			filtered = append(filtered, e)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]Event, len(filtered))
	copy(out, filtered)
	return out
}

// JSONSink persists each event as a single JSONL line under baseDir/<sessionID>.jsonl,
// matching spec §6's "Logs directory for event JSONL (when persistence is enabled)".
type JSONSink struct {
	mu      sync.Mutex
	writers map[string]*sinkFile
	open    func(sessionID string) (AppendCloser, error)
}

// AppendCloser is the minimal file-like surface JSONSink needs; production
// code supplies an *os.File opened with O_APPEND.
type AppendCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

type sinkFile struct {
	mu sync.Mutex
	f  AppendCloser
}

// NewJSONSink builds a Sink that opens (and caches) one append-only file per
// session via open.
func NewJSONSink(open func(sessionID string) (AppendCloser, error)) *JSONSink {
	return &JSONSink{writers: make(map[string]*sinkFile), open: open}
}

func (s *JSONSink) Append(sessionID string, event Event) error {
	if sessionID == "" {
		sessionID = "_global"
	}
	s.mu.Lock()
	w, ok := s.writers[sessionID]
	if !ok {
		f, err := s.open(sessionID)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		w = &sinkFile{f: f}
		s.writers[sessionID] = w
	}
	s.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.f.Write(data)
	return err
}

// Close closes every open per-session file.
func (s *JSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lastErr error
	for _, w := range s.writers {
		if err := w.f.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
