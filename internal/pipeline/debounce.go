// Package pipeline connects raw detections to persistence and fan-out. The
// debounce writer is the single chokepoint every detection passes through
// before it becomes an event.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/uniface360/sentinel/internal/detect"
	"github.com/uniface360/sentinel/internal/events"
	"github.com/uniface360/sentinel/internal/store"
)

const (
	// DefaultCooldown is the minimum spacing between two accepted events
	// with the same subject and category. The boundary is inclusive: a
	// detection exactly one cooldown after the last accepted one passes.
	DefaultCooldown = 5 * time.Second

	resultBuffer    = 256
	evidenceQuality = 90
)

// Authorizer reports whether a recognized subject is allowed on site. It
// decides the severity of identity events.
type Authorizer interface {
	Authorized(subjectKey string) bool
}

// NameFunc resolves a camera id to its display name.
type NameFunc func(cameraID int) string

// Stats counts writer outcomes since start.
type Stats struct {
	Received   int64 `json:"received"`
	Accepted   int64 `json:"accepted"`
	Suppressed int64 `json:"suppressed"`
	Failed     int64 `json:"failed"`
}

// DebounceWriter consumes raw detections and turns the ones that clear the
// per-(subject, category) cooldown into persisted, published events. The
// cooldown is global across cameras: the same person seen on two cameras
// within one window produces one event.
type DebounceWriter struct {
	in        chan detect.Result
	frames    detect.FrameProvider
	analytics *store.Analytics
	evidence  store.Evidence
	bus       *events.Bus
	auth      Authorizer
	names     NameFunc
	cooldown  time.Duration
	log       *zap.Logger

	// now is the clock used for cooldown arithmetic. Tests pin it to hit
	// the boundary exactly.
	now func() time.Time

	seen *gocache.Cache

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	received   atomic.Int64
	accepted   atomic.Int64
	suppressed atomic.Int64
	failed     atomic.Int64
}

func NewDebounceWriter(frames detect.FrameProvider, analytics *store.Analytics, evidence store.Evidence, bus *events.Bus, auth Authorizer, names NameFunc, cooldown time.Duration) *DebounceWriter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &DebounceWriter{
		in:        make(chan detect.Result, resultBuffer),
		frames:    frames,
		analytics: analytics,
		evidence:  evidence,
		bus:       bus,
		auth:      auth,
		names:     names,
		cooldown:  cooldown,
		log:       zap.L().Named("debounce"),
		now:       time.Now,
		seen:      gocache.New(2*cooldown, 10*cooldown),
	}
}

// Submit hands a detection to the writer. It never blocks: when the buffer
// is full the detection is dropped and counted as failed.
func (w *DebounceWriter) Submit(r detect.Result) {
	w.received.Add(1)
	select {
	case w.in <- r:
	default:
		w.failed.Add(1)
		w.log.Warn("result buffer full, dropping detection",
			zap.Int("camera_id", r.CameraID),
			zap.String("category", string(r.Category)))
	}
}

// Start launches the consumer goroutine. No-op when already running.
func (w *DebounceWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.run(ctx)
}

// Stop halts the consumer after it finishes the detection in flight.
func (w *DebounceWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
}

// Stats returns a snapshot of the writer counters.
func (w *DebounceWriter) Stats() Stats {
	return Stats{
		Received:   w.received.Load(),
		Accepted:   w.accepted.Load(),
		Suppressed: w.suppressed.Load(),
		Failed:     w.failed.Load(),
	}
}

func (w *DebounceWriter) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.in:
			w.process(ctx, r)
		}
	}
}

// process applies the cooldown and, on acceptance, persists and publishes.
// The cooldown state advances even when persistence fails, so a flapping
// database cannot turn one physical occurrence into an event storm.
func (w *DebounceWriter) process(ctx context.Context, r detect.Result) {
	key := string(r.Category) + "|" + r.SubjectKey
	now := w.now()

	if v, found := w.seen.Get(key); found {
		last := v.(time.Time)
		if now.Sub(last) < w.cooldown {
			w.suppressed.Add(1)
			return
		}
	}
	w.seen.Set(key, now, gocache.DefaultExpiration)
	w.accepted.Add(1)

	ev := w.buildEvent(r)
	ev.EvidencePath = w.captureEvidence(ctx, r)

	if err := w.analytics.Record(ctx, &ev); err != nil {
		w.failed.Add(1)
		w.log.Error("event persistence failed",
			zap.String("category", string(ev.Category)),
			zap.String("subject", ev.SubjectKey),
			zap.Error(err))
	}

	w.bus.Publish(ev)
}

func (w *DebounceWriter) buildEvent(r detect.Result) events.Event {
	authorized := w.auth != nil && w.auth.Authorized(r.SubjectKey)
	name := fmt.Sprintf("camera-%d", r.CameraID)
	if w.names != nil {
		name = w.names(r.CameraID)
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	return events.Event{
		Category:   r.Category,
		SubjectKey: r.SubjectKey,
		CameraID:   r.CameraID,
		CameraName: name,
		Severity:   events.SeverityFor(r.Category, r.SubjectKey, authorized),
		Confidence: r.Confidence,
		Message:    eventMessage(r, name),
		At:         at,
	}
}

// captureEvidence snapshots the camera at acceptance time, cropped to the
// first detection box when one is present. Evidence is best effort: any
// failure just leaves the event without an image.
func (w *DebounceWriter) captureEvidence(ctx context.Context, r detect.Result) string {
	if w.evidence == nil {
		return ""
	}
	frame, _, ok := w.frames.LatestFrame(r.CameraID)
	if !ok {
		return ""
	}
	if crop, err := cropToBox(frame, r); err == nil {
		frame = crop
	}
	path, err := w.evidence.Save(ctx, string(r.Category), r.SubjectKey, frame)
	if err != nil {
		w.log.Warn("evidence capture failed",
			zap.Int("camera_id", r.CameraID), zap.Error(err))
		return ""
	}
	return path
}

// cropToBox re-encodes the region around the first detection box. Returns
// an error when the result has no boxes or the frame cannot be decoded.
func cropToBox(frameJPEG []byte, r detect.Result) ([]byte, error) {
	if len(r.Boxes) == 0 {
		return nil, fmt.Errorf("no detection box")
	}
	img, err := gocv.IMDecode(frameJPEG, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	bounds := r.Boxes[0].Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	if bounds.Empty() {
		return nil, fmt.Errorf("box outside frame")
	}
	region := img.Region(bounds)
	defer region.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, region,
		[]int{gocv.IMWriteJpegQuality, evidenceQuality})
	if err != nil {
		return nil, fmt.Errorf("encoding crop: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func eventMessage(r detect.Result, cameraName string) string {
	switch r.Category {
	case detect.CategoryIdentity:
		if r.SubjectKey == detect.SubjectUnknown {
			return fmt.Sprintf("Unknown person detected on %s", cameraName)
		}
		return fmt.Sprintf("%s detected on %s", r.SubjectKey, cameraName)
	case detect.CategoryPerson:
		return fmt.Sprintf("%d person(s) detected on %s", len(r.Boxes), cameraName)
	case detect.CategoryPPE:
		return fmt.Sprintf("PPE violation (%s) on %s", r.SubjectKey, cameraName)
	case detect.CategorySmoke:
		return fmt.Sprintf("%s detected on %s", r.SubjectKey, cameraName)
	default:
		return fmt.Sprintf("%s detected on %s", r.Category, cameraName)
	}
}
