package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dingstreamhq/dingstream/internal/event"
)

const eventStreamBuffer = 16

// EventsHandler streams hub events to admin clients as server-sent events.
type EventsHandler struct {
	hub    *event.Hub
	logger *slog.Logger
}

func NewEventsHandler(log *slog.Logger, hub *event.Hub) *EventsHandler {
	return &EventsHandler{
		hub:    hub,
		logger: log.With(slog.String("handler", "events")),
	}
}

func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/events", h.Stream)
}

// Stream subscribes to one event category and relays events until the client
// disconnects. A slow client misses events instead of backing up publishers.
func (h *EventsHandler) Stream(c echo.Context) error {
	category := event.Category(c.QueryParam("category"))
	switch category {
	case event.CategoryConnectionStatus, event.CategorySessionUpdate:
	case "":
		category = event.CategoryConnectionStatus
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown category")
	}

	sub := h.hub.Subscribe(category, eventStreamBuffer)
	defer sub.Cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				h.logger.Warn("event encode failed", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", evt.Category, payload); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}
