package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/uniface360/sentinel/internal/camera"
	"github.com/uniface360/sentinel/internal/detect"
	"github.com/uniface360/sentinel/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

// handleEvents serves GET /api/v1/events?type=&cameraId=&hours=&limit=.
func (s *Server) handleEvents(c echo.Context) error {
	f := store.Filter{}

	if t := c.QueryParam("type"); t != "" {
		if !detect.ValidCategory(t) {
			return badRequest(c, "unknown event type: "+t)
		}
		f.Category = t
	}
	if v := c.QueryParam("cameraId"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id <= 0 {
			return badRequest(c, "cameraId must be a positive integer")
		}
		f.CameraID = id
	}
	if v := c.QueryParam("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return badRequest(c, "hours must be a positive integer")
		}
		f.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		f.Limit = limit
	}

	evs, err := s.analytics.Query(c.Request().Context(), f)
	if err != nil {
		s.log.Error("event query failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "query failed"})
	}
	return c.JSON(http.StatusOK, evs)
}

// handleStats serves GET /api/v1/stats?hours=.
func (s *Server) handleStats(c echo.Context) error {
	hours := 24
	if v := c.QueryParam("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			return badRequest(c, "hours must be a positive integer")
		}
		hours = h
	}

	stats, err := s.analytics.Stats(c.Request().Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		s.log.Error("stats query failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "query failed"})
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListCameras(c echo.Context) error {
	type cameraStatus struct {
		camera.Handle
		Connected bool    `json:"connected"`
		FPS       float64 `json:"fps"`
	}
	handles := s.cameras.List()
	out := make([]cameraStatus, 0, len(handles))
	for _, h := range handles {
		health, _ := s.frames.Health(h.ID)
		out = append(out, cameraStatus{Handle: h, Connected: health.Connected, FPS: health.FPS})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleAddCamera(c echo.Context) error {
	var h camera.Handle
	if err := c.Bind(&h); err != nil {
		return badRequest(c, "invalid camera payload")
	}
	if h.ID <= 0 {
		return badRequest(c, "camera id must be a positive integer")
	}
	if err := s.cameras.Add(h); err != nil {
		switch {
		case errors.Is(err, camera.ErrDuplicateCamera):
			return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		case errors.Is(err, camera.ErrInvalidURI):
			return badRequest(c, err.Error())
		default:
			s.log.Error("adding camera failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "add failed"})
		}
	}
	return c.JSON(http.StatusCreated, h)
}

// cameraID parses the :id path parameter. When ok is false the 400
// response has already been written.
func (s *Server) cameraID(c echo.Context) (id int, ok bool, err error) {
	id, convErr := strconv.Atoi(c.Param("id"))
	if convErr != nil || id <= 0 {
		return 0, false, badRequest(c, "camera id must be a positive integer")
	}
	return id, true, nil
}

func (s *Server) handleRemoveCamera(c echo.Context) error {
	id, ok, err := s.cameraID(c)
	if !ok {
		return err
	}
	if err := s.cameras.Remove(id); err != nil {
		if errors.Is(err, camera.ErrUnknownCamera) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		}
		s.log.Error("removing camera failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "remove failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleToggleCamera(c echo.Context) error {
	id, ok, err := s.cameraID(c)
	if !ok {
		return err
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid toggle payload")
	}
	if err := s.cameras.Toggle(id, body.Enabled); err != nil {
		if errors.Is(err, camera.ErrUnknownCamera) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		}
		s.log.Error("toggling camera failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "toggle failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRestartCamera(c echo.Context) error {
	id, ok, err := s.cameraID(c)
	if !ok {
		return err
	}
	if err := s.cameras.Restart(id); err != nil {
		if errors.Is(err, camera.ErrUnknownCamera) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		}
		s.log.Error("restarting camera failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "restart failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListAssignments(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Assignments())
}

func (s *Server) handleSetAssignments(c echo.Context) error {
	var assignments []detect.Assignment
	if err := c.Bind(&assignments); err != nil {
		return badRequest(c, "invalid assignments payload")
	}
	for _, a := range assignments {
		if !detect.ValidCategory(string(a.Category)) {
			return badRequest(c, "unknown category: "+string(a.Category))
		}
		if _, ok := s.cameras.Get(a.CameraID); !ok {
			return badRequest(c, "unknown camera id: "+strconv.Itoa(a.CameraID))
		}
	}
	if err := s.registry.SetAssignments(assignments); err != nil {
		s.log.Error("saving assignments failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "save failed"})
	}
	return c.JSON(http.StatusOK, assignments)
}

func (s *Server) handleReloadSubjects(c echo.Context) error {
	n, err := s.registry.Reload()
	if err != nil {
		s.log.Error("subject reload failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "reload failed"})
	}
	return c.JSON(http.StatusOK, map[string]int{"subjects": n})
}
