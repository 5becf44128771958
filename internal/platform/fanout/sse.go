package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// SSEHandler streams hub events as Server-Sent Events.
type SSEHandler struct {
	hub       *Hub
	logger    zerolog.Logger
	keepAlive time.Duration
}

func NewSSEHandler(hub *Hub, logger zerolog.Logger) *SSEHandler {
	return &SSEHandler{hub: hub, logger: logger, keepAlive: 15 * time.Second}
}

// RegisterRoutes registers GET /events on the given group.
func (h *SSEHandler) RegisterRoutes(api *echo.Group, m ...echo.MiddlewareFunc) {
	api.GET("/events", h.Stream, m...)
}

// Stream holds the connection open and writes one SSE frame per event until
// the client disconnects. Optional request_id query parameters restrict the
// stream to those requests.
func (h *SSEHandler) Stream(c echo.Context) error {
	var topics []string
	for _, id := range c.QueryParams()["request_id"] {
		topics = append(topics, RequestTopic(id))
	}

	sub := h.hub.Subscribe("sse", topics...)
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"subscriptionId\":%q}\n\n", sub.ID)
	w.Flush()

	ctx := c.Request().Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.keepAlive)
		ev, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if err := writeFrame(w, ev); err != nil {
				h.logger.Debug().Err(err).Str("subscription", sub.ID).Msg("sse write failed")
				return nil
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		default:
			// client gone or subscription closed
			return nil
		}
	}
}

func writeFrame(w *echo.Response, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
