package detect

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Assignment binds one detector category to one camera. The set is dynamic;
// the dispatcher reads it fresh at the start of every tick.
type Assignment struct {
	CameraID int      `json:"cameraId"`
	Category Category `json:"category"`
	Enabled  bool     `json:"enabled"`
}

// AssignmentSource supplies the current camera/detector assignments.
type AssignmentSource interface {
	Assignments() []Assignment
}

// FrameProvider hands out the latest frame for a camera. ok is false when
// no frame is available yet, which is an expected outcome, not an error.
type FrameProvider interface {
	LatestFrame(cameraID int) (jpeg []byte, capturedAt time.Time, ok bool)
}

// Sink receives every raw detection result the dispatcher produces.
type Sink func(Result)

// Dispatcher samples frames on a fixed tick and runs the assigned
// detectors. Frame sampling, not per-frame inference, bounds CPU: frames
// captured between ticks are simply skipped.
type Dispatcher struct {
	frames      FrameProvider
	registry    *Registry
	assignments AssignmentSource
	sink        Sink
	interval    time.Duration
	log         *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	running     bool
	unavailable map[Category]bool // categories already reported as down
	stats       DispatcherStats
}

// DispatcherStats counts dispatch outcomes since start.
type DispatcherStats struct {
	Ticks        int64
	Inferences   int64
	Results      int64
	SkippedPairs int64 // no frame available at tick time
	FailedPairs  int64
}

func NewDispatcher(frames FrameProvider, registry *Registry, assignments AssignmentSource, sink Sink, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		frames:      frames,
		registry:    registry,
		assignments: assignments,
		sink:        sink,
		interval:    interval,
		log:         zap.L().Named("dispatcher"),
		unavailable: make(map[Category]bool),
	}
}

// Start launches the tick loop. No-op when already running.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.run(ctx)
	d.log.Info("dispatcher started", zap.Duration("interval", d.interval))
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	<-done
	d.log.Info("dispatcher stopped")
}

// Stats returns a copy of the dispatch counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick snapshots the assignment set once and processes every enabled pair.
// A failing pair is logged and skipped; it never stops the others.
func (d *Dispatcher) tick() {
	assignments := d.assignments.Assignments()

	d.mu.Lock()
	d.stats.Ticks++
	d.mu.Unlock()

	for _, a := range assignments {
		if !a.Enabled {
			continue
		}
		d.dispatch(a)
	}
}

func (d *Dispatcher) dispatch(a Assignment) {
	detector, err := d.registry.Get(a.Category)
	if err != nil {
		if errors.Is(err, ErrModelUnavailable) {
			// Report the outage once, not on every tick.
			d.mu.Lock()
			first := !d.unavailable[a.Category]
			d.unavailable[a.Category] = true
			d.mu.Unlock()
			if first {
				d.log.Warn("detector unavailable, skipping category",
					zap.String("category", string(a.Category)), zap.Error(err))
			}
			return
		}
		d.log.Error("detector lookup failed",
			zap.String("category", string(a.Category)), zap.Error(err))
		return
	}

	frame, capturedAt, ok := d.frames.LatestFrame(a.CameraID)
	if !ok {
		// Camera has not produced a frame yet; try again next tick.
		d.mu.Lock()
		d.stats.SkippedPairs++
		d.mu.Unlock()
		return
	}

	results, err := detector.Infer(frame)
	d.mu.Lock()
	d.stats.Inferences++
	if err != nil {
		d.stats.FailedPairs++
	} else {
		d.stats.Results += int64(len(results))
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Error("inference failed",
			zap.Int("camera_id", a.CameraID),
			zap.String("category", string(a.Category)),
			zap.Error(err))
		return
	}

	for _, r := range results {
		r.CameraID = a.CameraID
		if r.At.IsZero() {
			r.At = capturedAt
		}
		d.sink(r)
	}
}
