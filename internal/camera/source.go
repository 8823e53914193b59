package camera

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	// After this many consecutive read failures the source tears down the
	// device handle and reopens it.
	maxConsecutiveReadFailures = 5

	// Attempts per connect cycle before the failure is surfaced in Health.
	connectAttempts = 3

	connectRetryDelay = 2 * time.Second
	stopJoinTimeout   = 5 * time.Second

	jpegQuality = 85
)

// Capture is the minimal surface of gocv.VideoCapture the read loop needs.
// Tests substitute a fake; production uses openDevice below.
type Capture interface {
	Read(m *gocv.Mat) bool
	IsOpened() bool
	Close() error
}

// OpenFunc opens the underlying device or network stream for a URI.
type OpenFunc func(uri string) (Capture, error)

func openDevice(uri string) (Capture, error) {
	// Bare integers are local device indices, anything else (rtsp://, file
	// paths) goes to OpenCV as-is.
	if idx, err := strconv.Atoi(uri); err == nil {
		return gocv.OpenVideoCapture(idx)
	}
	return gocv.OpenVideoCapture(uri)
}

// Source owns the connection to one camera and keeps the FrameStore updated
// with the latest frame. Transient read failures are retried locally and
// never surfaced to callers; only prolonged unavailability shows in Health.
type Source struct {
	id   int
	uri  string
	name string

	store *FrameStore
	open  OpenFunc
	log   *zap.Logger

	// Monotonic across reconnects; a re-opened device must never publish
	// a snapshot with a lower sequence than one already in the store.
	seq atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSource creates a source for one camera. It does not open the device;
// call Start.
func NewSource(id int, uri, name string, store *FrameStore) *Source {
	s := &Source{
		id:    id,
		uri:   uri,
		name:  name,
		store: store,
		open:  openDevice,
		log:   zap.L().Named("camera").With(zap.Int("camera_id", id), zap.String("camera", name)),
	}
	s.seq.Store(store.LastSequence(id))
	return s
}

// SetOpenFunc overrides how the underlying device is opened. Test hook.
func (s *Source) SetOpenFunc(open OpenFunc) { s.open = open }

// Start launches the capture loop. Safe to call while a concurrent Stop is
// in flight; a second Start on a running source is a no-op.
func (s *Source) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx)
	s.log.Info("camera source started", zap.String("uri", s.uri))
}

// Stop signals the loop to exit and joins it with a bounded timeout.
// Idempotent and safe to call concurrently.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		s.log.Info("camera source stopped")
	case <-time.After(stopJoinTimeout):
		// The read may be stuck inside a blocking device call; abandon it.
		s.log.Warn("camera source stop timed out, abandoning read loop")
	}
}

// Running reports whether the capture loop is active.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)

	for ctx.Err() == nil {
		dev, err := s.connect(ctx)
		if err != nil {
			// connect only fails on cancellation; marking Health happened
			// inside the retry loop.
			return
		}
		s.readLoop(ctx, dev)
		_ = dev.Close()
		s.store.UpdateHealth(s.id, func(h *Health) { h.Connected = false })
	}
}

// connect opens the device, retrying forever while the context is live.
// After connectAttempts consecutive failures the error is recorded in
// Health so operators can see the camera is unreachable.
func (s *Source) connect(ctx context.Context) (Capture, error) {
	attempts := 0
	bo := backoff.WithContext(backoff.NewConstantBackOff(connectRetryDelay), ctx)

	var dev Capture
	op := func() error {
		c, err := s.open(s.uri)
		if err == nil && c.IsOpened() {
			dev = c
			return nil
		}
		if c != nil {
			_ = c.Close()
		}
		if err == nil {
			err = errors.New("device did not open")
		}
		attempts++
		if attempts == connectAttempts {
			s.log.Warn("camera unreachable, continuing to retry",
				zap.Int("attempts", attempts), zap.Error(err))
			s.store.UpdateHealth(s.id, func(h *Health) {
				h.Connected = false
				h.LastError = err.Error()
			})
		}
		return err
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	s.store.UpdateHealth(s.id, func(h *Health) {
		h.Connected = true
		h.LastError = ""
	})
	s.log.Info("camera connected", zap.Int("attempts", attempts+1))
	return dev, nil
}

// readLoop reads frames at the source's native rate until the context is
// cancelled or too many consecutive reads fail (full reconnect).
func (s *Source) readLoop(ctx context.Context, dev Capture) {
	mat := gocv.NewMat()
	defer mat.Close()

	var (
		failures     int
		fpsCount     int
		fpsWindow    = time.Now()
		encodeParams = []int{gocv.IMWriteJpegQuality, jpegQuality}
	)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if ok := dev.Read(&mat); !ok || mat.Empty() {
			failures++
			if failures >= maxConsecutiveReadFailures {
				s.log.Warn("repeated read failures, reconnecting",
					zap.Int("failures", failures))
				s.store.UpdateHealth(s.id, func(h *Health) {
					h.Connected = false
					h.LastError = "frame read failed"
				})
				return
			}
			// Device may just be busy; back off briefly and retry.
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if failures > 0 {
			failures = 0
			s.store.UpdateHealth(s.id, func(h *Health) {
				h.Connected = true
				h.LastError = ""
			})
		}

		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, encodeParams)
		if err != nil {
			s.log.Error("frame encode failed", zap.Error(err))
			continue
		}
		jpeg := make([]byte, len(buf.GetBytes()))
		copy(jpeg, buf.GetBytes())
		buf.Close()

		sequence := s.seq.Add(1)
		s.store.Put(Snapshot{
			CameraID:   s.id,
			JPEG:       jpeg,
			CapturedAt: time.Now(),
			Sequence:   sequence,
		})

		fpsCount++
		if elapsed := time.Since(fpsWindow); elapsed >= time.Second {
			fps := float64(fpsCount) / elapsed.Seconds()
			seq := sequence
			s.store.UpdateHealth(s.id, func(h *Health) {
				h.Connected = true
				h.FPS = fps
				h.FrameCount = seq
			})
			fpsCount = 0
			fpsWindow = time.Now()
		}
	}
}
