package realtime

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"loopboard/backend/internal/auth"
)

// HandleSSE is the Server-Sent-Events fallback transport for clients that
// cannot establish a WebSocket. It subscribes the connection to the task
// named by the taskId query parameter and streams envelopes until the client
// goes away. SSE is receive-only; heartbeats and typing signals ride the
// WebSocket path only.
func (h *Handler) HandleSSE(c echo.Context) error {
	identity, ok := auth.FromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	taskID := c.QueryParam("taskId")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "taskId query parameter is required")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	// Serialize writes: the hub fans out from broadcast goroutines while the
	// handler goroutine owns the response writer's lifecycle.
	var mu sync.Mutex
	gone := false

	send := func(data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if gone {
			return fmt.Errorf("connection closed")
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		w.Flush()
		return nil
	}
	sub := h.hub.Register(identity.UserID, send, func() {
		mu.Lock()
		gone = true
		mu.Unlock()
	})
	h.hub.Join(sub, taskID)
	defer h.hub.Unregister(sub)

	<-ctx.Done()
	mu.Lock()
	gone = true
	mu.Unlock()
	return nil
}
