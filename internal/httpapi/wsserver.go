package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
)

// wsWriteTimeout bounds how long a single frame write may block before the
// client is considered unresponsive and evicted (spec §5 "WebSocket clients
// that fail to receive are evicted rather than blocking the emitter").
const wsWriteTimeout = 5 * time.Second

// wsSendBuffer is the per-client outbound queue depth. A client that falls
// this far behind is dropped on the next Send rather than backing up the
// Bus's emitting goroutine.
const wsSendBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscribeMessage is the first frame a client must send after connecting
// (spec §6 "{ type: 'subscribe', target?, workflowId?, types?, groups?
// }").
type subscribeMessage struct {
	Type       string   `json:"type"`
	Target     string   `json:"target"`
	WorkflowID string   `json:"workflowId"`
	Types      []string `json:"types"`
	Groups     []string `json:"groups"`
}

// wsClient adapts one gorilla/websocket connection into an eventbus.Client,
// decoupling event delivery (producer side, the Bus's emitting goroutine)
// from the actual socket write (consumer side, this client's own writer
// goroutine) via a buffered channel.
type wsClient struct {
	conn       *websocket.Conn
	outbound   chan eventbus.Event
	workflowID string
}

func (c *wsClient) Send(event eventbus.Event) error {
	if c.workflowID != "" && event.WorkflowID != "" && event.WorkflowID != c.workflowID {
		return nil
	}
	select {
	case c.outbound <- event:
		return nil
	default:
		return errFullOutboundQueue
	}
}

var errFullOutboundQueue = &wsQueueFullError{}

type wsQueueFullError struct{}

func (*wsQueueFullError) Error() string { return "websocket client outbound queue full" }

func (c *wsClient) writePump() {
	for event := range c.outbound {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(event); err != nil {
			return
		}
	}
}

// serveWS upgrades the connection, waits for the client's subscribe frame
// to build an eventbus.Filter, registers the client on bus, and blocks
// reading (discarding further client frames) until the connection closes.
func serveWS(bus *eventbus.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}

		client := &wsClient{
			conn:       conn,
			outbound:   make(chan eventbus.Event, wsSendBuffer),
			workflowID: sub.WorkflowID,
		}
		groups := make([]eventbus.Group, 0, len(sub.Groups))
		for _, g := range sub.Groups {
			groups = append(groups, eventbus.Group(g))
		}

		unregister := bus.RegisterClient(client, eventbus.Filter{Types: sub.Types, Groups: groups})
		defer unregister()

		go client.writePump()
		defer close(client.outbound)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
