package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/relayforge/maestro/pkg/events"
)

// eventsHandler handles GET /api/events: the SSE progress feed for the
// authenticated tenant. Last-Event-ID (header or query parameter) resumes
// the stream; persisted events newer than it are replayed before live
// delivery.
func (s *Server) eventsHandler(c *echo.Context) error {
	id := identityFrom(c)

	resumeFrom, err := parseResumeFrom(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}

	ctx := c.Request().Context()
	sub, err := s.bus.Subscribe(ctx, id.TenantID, resumeFrom)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrorBody{Error: "event stream unavailable"})
	}
	defer sub.Close()

	resp := c.Response()
	h := resp.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	if f, ok := resp.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeSSE(resp, ev); err != nil {
				return nil
			}
			if f, ok := resp.(http.Flusher); ok {
				f.Flush()
			}
			if ev.Type == events.TypeShutdown {
				return nil
			}
		case <-ctx.Done():
			// Client gone. The subscription drops; the dispatch continues.
			return nil
		}
	}
}

func parseResumeFrom(c *echo.Context) (uint64, error) {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("last_event_id")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("last event id must be a non-negative integer")
	}
	return n, nil
}

// writeSSE emits one event in SSE framing. Synthetic events carry no id so
// clients never resume from them.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
