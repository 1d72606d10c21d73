package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
	"github.com/Jasonzhangf/finger-sub001/internal/mailbox"
)

// messageRequest is the POST /api/v1/message body (spec §6).
type messageRequest struct {
	Target     string `json:"target" binding:"required"`
	Message    any    `json:"message"`
	Sender     string `json:"sender"`
	CallbackID string `json:"callbackId"`
}

// messageResponse mirrors a MailboxEntry's externally relevant fields.
type messageResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewRouter builds the Message Hub's gin.Engine: CORS-enabled API routes
// plus the WebSocket event stream endpoint, grouped the way the pack's
// own gin services group routes under an API version prefix. reg is the
// Prometheus registry exposed at /metrics; nil disables the route.
func NewRouter(hub *Hub, bus *eventbus.Bus, reg *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/message", postMessage(hub))
		v1.GET("/message/:id", getMessageByID(hub))
		v1.GET("/message/callback/:callbackId", getMessageByCallbackID(hub))
		v1.GET("/status", getStatus(bus))
	}

	router.GET("/ws", serveWS(bus))

	if reg != nil {
		handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		router.GET("/metrics", gin.WrapH(handler))
	}

	return router
}

func postMessage(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req messageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		entry, err := hub.Dispatch(c.Request.Context(), req.Target, req.Message, req.Sender, req.CallbackID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toResponse(entry))
	}
}

func getMessageByID(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := hub.GetByID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toResponse(entry))
	}
}

func getMessageByCallbackID(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := hub.GetByCallbackID(c.Param("callbackId"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toResponse(entry))
	}
}

func getStatus(bus *eventbus.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"wsClients": bus.ClientCount()})
	}
}

func toResponse(entry mailbox.Entry) messageResponse {
	return messageResponse{
		MessageID: entry.MessageID,
		Status:    string(entry.Status),
		Result:    entry.Result,
		Error:     entry.Error,
	}
}
