package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"loopboard/backend/internal/auth"
	"loopboard/backend/internal/logging"
)

// clientMessage is the client-to-server wire frame.
type clientMessage struct {
	Event  string `json:"event"`
	TaskID string `json:"taskId"`
	UserID string `json:"userId,omitempty"`
}

// Handler serves the realtime transport endpoints on top of a Hub.
type Handler struct {
	hub          *Hub
	logger       *logging.Logger
	writeTimeout time.Duration
}

// NewHandler creates a transport handler.
func NewHandler(hub *Hub, logger *logging.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Handler{hub: hub, logger: logger, writeTimeout: writeTimeout}
}

// HandleWebSocket upgrades the connection and runs the read loop. Clients
// subscribe to task channels with task.subscribe / task.unsubscribe frames,
// send bare "ping" heartbeats (answered with a bare "pong") and relay typing
// signals.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	identity, ok := auth.FromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(401, "authentication required")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return nil
	}

	send := func(data []byte) error {
		ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
		defer cancel()
		return conn.Write(ctx, websocket.MessageText, data)
	}
	sub := h.hub.Register(identity.UserID, send, func() { _ = conn.CloseNow() })
	defer h.hub.Unregister(sub)
	defer conn.CloseNow()

	h.logger.Debug("realtime client connected", "user", identity.UserID)

	ctx := c.Request().Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			h.logger.Debug("realtime client disconnected", "user", identity.UserID)
			return nil
		}

		if string(data) == "ping" || string(data) == `"ping"` {
			_ = send([]byte("pong"))
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "task.subscribe":
			if msg.TaskID != "" {
				h.hub.Join(sub, msg.TaskID)
			}
		case "task.unsubscribe":
			if msg.TaskID != "" {
				h.hub.Leave(sub, msg.TaskID)
			}
		case "comment.typing":
			if msg.TaskID != "" {
				h.hub.CommentTyping(msg.TaskID, identity.UserID)
			}
		}
	}
}
