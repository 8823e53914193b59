package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/uniface360/sentinel/internal/camera"
)

const (
	mjpegBoundary = "sentinelframe"
	mjpegInterval = 100 * time.Millisecond // ~10 fps preview
)

// handleSnapshot serves GET /api/v1/cameras/:id/snapshot as a single JPEG.
func (s *Server) handleSnapshot(c echo.Context) error {
	id, ok, err := s.cameraID(c)
	if !ok {
		return err
	}
	snap, err := s.frames.Frame(id)
	if errors.Is(err, camera.ErrNoFrame) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no frame available"})
	}
	return c.Blob(http.StatusOK, "image/jpeg", snap.JPEG)
}

// handleMJPEG serves GET /api/v1/cameras/:id/stream as multipart MJPEG.
// It reuses the latest stored frame, so any number of viewers cost the
// capture path nothing.
func (s *Server) handleMJPEG(c echo.Context) error {
	id, ok, err := s.cameraID(c)
	if !ok {
		return err
	}
	if _, exists := s.cameras.Get(id); !exists {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown camera id"})
	}

	c.Response().Header().Set(echo.HeaderContentType,
		"multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Response().WriteHeader(http.StatusOK)

	ticker := time.NewTicker(mjpegInterval)
	defer ticker.Stop()

	ctx := c.Request().Context()
	var lastSeq int64 = -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, ok := s.frames.Latest(id)
			if !ok || snap.Sequence == lastSeq {
				continue
			}
			lastSeq = snap.Sequence

			if _, err := fmt.Fprintf(c.Response(),
				"--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
				mjpegBoundary, len(snap.JPEG)); err != nil {
				return nil
			}
			if _, err := c.Response().Write(snap.JPEG); err != nil {
				return nil
			}
			if _, err := fmt.Fprint(c.Response(), "\r\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}
