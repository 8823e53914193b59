// Package api exposes the HTTP surface: REST endpoints for cameras and
// analytics, SSE and websocket streams for live events, and MJPEG previews.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/uniface360/sentinel/internal/camera"
	"github.com/uniface360/sentinel/internal/config"
	"github.com/uniface360/sentinel/internal/events"
	"github.com/uniface360/sentinel/internal/pipeline"
	"github.com/uniface360/sentinel/internal/store"
)

// Server wires the HTTP routes to the running pipeline components.
type Server struct {
	echo      *echo.Echo
	addr      string
	log       *zap.Logger
	cameras   *camera.Manager
	frames    *camera.FrameStore
	analytics *store.Analytics
	bus       *events.Bus
	registry  *config.Registry
	writer    *pipeline.DebounceWriter
	hub       *Hub
}

func NewServer(addr string, cameras *camera.Manager, frames *camera.FrameStore, analytics *store.Analytics, bus *events.Bus, registry *config.Registry, writer *pipeline.DebounceWriter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:      e,
		addr:      addr,
		log:       zap.L().Named("api"),
		cameras:   cameras,
		frames:    frames,
		analytics: analytics,
		bus:       bus,
		registry:  registry,
		writer:    writer,
		hub:       NewHub(bus),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.echo.Group("/api/v1")

	v1.GET("/health", s.handleHealth)
	v1.GET("/events", s.handleEvents)
	v1.GET("/events/stream", s.handleSSE)
	v1.GET("/events/ws", s.hub.handleWebsocket)
	// Alias kept for dashboard clients that predate the /api/v1 prefix.
	s.echo.GET("/ws/alerts", s.hub.handleWebsocket)
	v1.GET("/stats", s.handleStats)

	v1.GET("/cameras", s.handleListCameras)
	v1.POST("/cameras", s.handleAddCamera)
	v1.DELETE("/cameras/:id", s.handleRemoveCamera)
	v1.POST("/cameras/:id/toggle", s.handleToggleCamera)
	v1.POST("/cameras/:id/restart", s.handleRestartCamera)
	v1.GET("/cameras/:id/stream", s.handleMJPEG)
	v1.GET("/cameras/:id/snapshot", s.handleSnapshot)

	v1.GET("/assignments", s.handleListAssignments)
	v1.PUT("/assignments", s.handleSetAssignments)

	v1.POST("/subjects/reload", s.handleReloadSubjects)
}

// Start runs the HTTP listener and the websocket hub. Blocks until the
// server stops.
func (s *Server) Start() error {
	s.hub.Start()
	s.log.Info("http server listening", zap.String("addr", s.addr))
	err := s.echo.Start(s.addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener first so client connections drain, then the
// hub.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.hub.Stop()
	return err
}

// healthResponse is the body of GET /api/v1/health.
type healthResponse struct {
	Status   string                `json:"status"`
	Uptime   string                `json:"uptime"`
	Cameras  map[string]cameraInfo `json:"cameras"`
	Pipeline pipeline.Stats        `json:"pipeline"`
	Clients  int                   `json:"liveClients"`
}

type cameraInfo struct {
	Name       string  `json:"name"`
	Connected  bool    `json:"connected"`
	FPS        float64 `json:"fps"`
	FrameCount int64   `json:"frameCount"`
	LastError  string  `json:"lastError,omitempty"`
}

var startedAt = time.Now()

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{
		Status:   "ok",
		Uptime:   time.Since(startedAt).Round(time.Second).String(),
		Cameras:  make(map[string]cameraInfo),
		Pipeline: s.writer.Stats(),
		Clients:  s.bus.Subscribers(),
	}
	for _, h := range s.cameras.List() {
		health, _ := s.frames.Health(h.ID)
		resp.Cameras[h.Name] = cameraInfo{
			Name:       h.Name,
			Connected:  health.Connected,
			FPS:        health.FPS,
			FrameCount: health.FrameCount,
			LastError:  health.LastError,
		}
	}
	return c.JSON(http.StatusOK, resp)
}
