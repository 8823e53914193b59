package camera

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// fakeCapture opens successfully but never yields a frame, which keeps the
// read loop in its retry path without touching real hardware.
type fakeCapture struct {
	opened atomic.Bool
	reads  atomic.Int64
}

func newFakeCapture() *fakeCapture {
	c := &fakeCapture{}
	c.opened.Store(true)
	return c
}

func (c *fakeCapture) Read(_ *gocv.Mat) bool {
	c.reads.Add(1)
	// Pace the read loop the way a real device would.
	time.Sleep(50 * time.Millisecond)
	return false
}

func (c *fakeCapture) IsOpened() bool { return c.opened.Load() }

func (c *fakeCapture) Close() error {
	c.opened.Store(false)
	return nil
}

func TestSourceStartStop(t *testing.T) {
	store := NewFrameStore()
	src := NewSource(1, "test://stream", "front-door", store)

	cap := newFakeCapture()
	src.SetOpenFunc(func(string) (Capture, error) { return cap, nil })

	src.Start()
	assert.True(t, src.Running())

	// The loop should have opened the device and attempted reads.
	assert.Eventually(t, func() bool { return cap.reads.Load() > 0 },
		2*time.Second, 10*time.Millisecond)

	src.Stop()
	assert.False(t, src.Running())
}

func TestSourceStopIdempotent(t *testing.T) {
	store := NewFrameStore()
	src := NewSource(1, "test://stream", "front-door", store)
	src.SetOpenFunc(func(string) (Capture, error) { return newFakeCapture(), nil })

	// Stop before Start is a no-op.
	src.Stop()

	src.Start()
	src.Stop()
	src.Stop()
	assert.False(t, src.Running())
}

func TestSourceDoubleStartIsNoop(t *testing.T) {
	store := NewFrameStore()
	src := NewSource(1, "test://stream", "front-door", store)

	var opens atomic.Int64
	src.SetOpenFunc(func(string) (Capture, error) {
		opens.Add(1)
		return newFakeCapture(), nil
	})

	src.Start()
	src.Start()
	defer src.Stop()

	assert.Eventually(t, func() bool { return opens.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
	// A second Start must not spawn a second loop; with one loop the device
	// is opened exactly once until a reconnect cycle.
	assert.Equal(t, int64(1), opens.Load())
}

// frameCapture yields a fixed number of real frames, then fails every read
// so the loop tears the device down and reconnects.
type frameCapture struct {
	frames atomic.Int64
	opened atomic.Bool
}

func newFrameCapture(frames int64) *frameCapture {
	c := &frameCapture{}
	c.opened.Store(true)
	c.frames.Store(frames)
	return c
}

func (c *frameCapture) Read(m *gocv.Mat) bool {
	if c.frames.Add(-1) < 0 {
		time.Sleep(20 * time.Millisecond)
		return false
	}
	tmp := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer tmp.Close()
	tmp.CopyTo(m)
	time.Sleep(5 * time.Millisecond)
	return true
}

func (c *frameCapture) IsOpened() bool { return c.opened.Load() }

func (c *frameCapture) Close() error {
	c.opened.Store(false)
	return nil
}

func TestSourceSequenceSurvivesReconnect(t *testing.T) {
	store := NewFrameStore()
	src := NewSource(7, "test://stream", "lobby", store)

	var opens atomic.Int64
	src.SetOpenFunc(func(string) (Capture, error) {
		opens.Add(1)
		return newFrameCapture(3), nil
	})

	src.Start()
	defer src.Stop()

	// First device delivers three frames before its reads start failing and
	// the loop reconnects. The second device must continue the sequence, not
	// restart it.
	assert.Eventually(t, func() bool { return opens.Load() >= 2 },
		5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		snap, ok := store.Latest(7)
		return ok && snap.Sequence >= 4
	}, 5*time.Second, 10*time.Millisecond)

	snap, ok := store.Latest(7)
	require.True(t, ok)
	assert.GreaterOrEqual(t, snap.Sequence, int64(4))
}

func TestSourceMarksConnectedHealth(t *testing.T) {
	store := NewFrameStore()
	src := NewSource(4, "test://stream", "garage", store)
	src.SetOpenFunc(func(string) (Capture, error) { return newFakeCapture(), nil })

	src.Start()
	defer src.Stop()

	assert.Eventually(t, func() bool {
		h, ok := store.Health(4)
		return ok && h.Connected
	}, 2*time.Second, 10*time.Millisecond)
}
