package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const sseHeartbeat = 30 * time.Second

// handleSSE serves GET /api/v1/events/stream. Each connection gets its own
// bus subscription; a heartbeat comment keeps idle proxies from closing it.
func (s *Server) handleSSE(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream; charset=utf-8")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	s.log.Debug("sse client connected", zap.String("remote", c.Request().RemoteAddr))

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-sub:
			if !open {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
				return nil
			}
			c.Response().Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Response(), ":\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}
