// Package ws streams session lifecycle events to WebSocket subscribers.
// Clients that commit over REST watch this stream for the terminal outcome.
package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/packagesmith/installd/internal/domain/session"
	"github.com/packagesmith/installd/internal/infrastructure/logging"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// subscriberBuffer sizes the per-connection event queue. A subscriber
	// that falls this far behind is dropped rather than blocking publishers.
	subscriberBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades connections and fans session events out to them.
type Handler struct {
	events *session.Notifier
	log    *logging.Logger
}

// NewHandler creates the WebSocket handler.
func NewHandler(events *session.Notifier, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{events: events, log: logger.Named("ws")}
}

// HandleConnection upgrades the request and pumps events until the client
// disconnects or falls behind.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, cancel := h.events.Subscribe(subscriberBuffer)
	defer cancel()

	// Reader goroutine exists only to detect close and pong frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				// Subscription dropped by the notifier; the client fell
				// too far behind to be worth catching up.
				h.log.Warn("subscriber lagged, closing connection")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteJSON(ev); werr != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteMessage(websocket.PingMessage, nil); werr != nil {
				return
			}
		case <-done:
			return
		}
	}
}
