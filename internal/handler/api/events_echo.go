package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	"github.com/WayB98/TIWatcher/internal/service/broadcast"
	xhttp "github.com/WayB98/TIWatcher/pkg/http"
	xlogger "github.com/WayB98/TIWatcher/pkg/logger"
)

// EventsEchoHandler streams alert events to live observers over SSE or
// WebSocket.
type EventsEchoHandler struct {
	logger    *xlogger.Logger
	bc        *broadcast.Broadcaster
	keepalive time.Duration
	upgrader  websocket.Upgrader
}

func NewEventsEchoHandler(logger *xlogger.Logger, bc *broadcast.Broadcaster, keepalive time.Duration) *EventsEchoHandler {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &EventsEchoHandler{
		logger:    logger,
		bc:        bc,
		keepalive: keepalive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *EventsEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/events")
	g.GET("/stream", h.Stream)
	g.GET("/ws", h.WebSocket)
}

// Stream writes one "data: <json>" frame per event until the client leaves.
func (h *EventsEchoHandler) Stream(c echo.Context) error {
	sub, err := h.bc.Subscribe()
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("event stream closed").WithError(err))
	}
	defer h.bc.Unsubscribe(sub)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return nil
	}
	w.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			b, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("sse encode", xlogger.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return nil
			}
			w.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

// WebSocket sends each event as one JSON text frame. Anything the client
// sends is discarded; a read error ends the session.
func (h *EventsEchoHandler) WebSocket(c echo.Context) error {
	sub, err := h.bc.Subscribe()
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("event stream closed").WithError(err))
	}
	defer h.bc.Unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the error response
		return nil
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return nil
		case ev, ok := <-sub:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return nil
			}
			if err := h.writeEvent(conn, ev); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return nil
			}
		}
	}
}

func (h *EventsEchoHandler) writeEvent(conn *websocket.Conn, ev models.AlertEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(ev); err != nil {
		h.logger.Debug("ws write failed", xlogger.Error(err))
		return err
	}
	return nil
}
