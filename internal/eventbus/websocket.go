package eventbus

import "sync"

// Client is the minimal send surface a transport (e.g. the gorilla/websocket
// connection wrapper in internal/httpapi) must implement to receive fanout.
// Send errors evict the client (spec §4.7 "Failure semantics"); Send must
// not block indefinitely.
type Client interface {
	Send(Event) error
}

// Filter restricts which events a client receives. A zero-value Filter
// (both nil) matches every event, per spec §6 "A client with no filter
// receives every event."
type Filter struct {
	Types  []string
	Groups []Group
}

func (f Filter) matches(event Event) bool {
	if len(f.Types) == 0 && len(f.Groups) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == event.Type {
			return true
		}
	}
	if len(f.Groups) > 0 && inGroups(event.Type, f.Groups) {
		return true
	}
	return false
}

type wsRegistration struct {
	client Client
	filter Filter
}

// RegisterClient subscribes client to fanout, honoring filter. It returns an
// Unregister func to remove the client (also invoked automatically should a
// Send call ever error).
func (b *Bus) RegisterClient(client Client, filter Filter) Unsubscribe {
	reg := &wsRegistration{client: client, filter: filter}
	b.mu.Lock()
	b.clients[reg] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, reg)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) broadcastToClients(clients []*wsRegistration, event Event) {
	for _, reg := range clients {
		if !reg.filter.matches(event) {
			continue
		}
		if err := reg.client.Send(event); err != nil {
			b.logger.Warn("evicting websocket client after send error: %v", err)
			b.mu.Lock()
			delete(b.clients, reg)
			b.mu.Unlock()
		}
	}
}

// ClientCount reports how many WebSocket clients are currently registered
// (across all sessions/filters); used by health/status reporting.
func (b *Bus) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
