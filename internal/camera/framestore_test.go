package camera

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameStoreLatestWins(t *testing.T) {
	s := NewFrameStore()

	_, ok := s.Latest(1)
	assert.False(t, ok, "empty store should report no frame")

	s.Put(Snapshot{CameraID: 1, JPEG: []byte("first"), Sequence: 1})
	s.Put(Snapshot{CameraID: 1, JPEG: []byte("second"), Sequence: 2})

	snap, ok := s.Latest(1)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), snap.JPEG)
	assert.Equal(t, int64(2), snap.Sequence)
}

func TestFrameStorePerCameraIsolation(t *testing.T) {
	s := NewFrameStore()
	s.Put(Snapshot{CameraID: 1, JPEG: []byte("one")})
	s.Put(Snapshot{CameraID: 2, JPEG: []byte("two")})

	snap, ok := s.Latest(1)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), snap.JPEG)

	snap, ok = s.Latest(2)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), snap.JPEG)
}

func TestFrameStoreLatestFrame(t *testing.T) {
	s := NewFrameStore()

	_, _, ok := s.LatestFrame(7)
	assert.False(t, ok)

	at := time.Now()
	s.Put(Snapshot{CameraID: 7, JPEG: []byte("frame"), CapturedAt: at})

	jpeg, capturedAt, ok := s.LatestFrame(7)
	require.True(t, ok)
	assert.Equal(t, []byte("frame"), jpeg)
	assert.Equal(t, at, capturedAt)
}

func TestFrameStoreFrameError(t *testing.T) {
	s := NewFrameStore()

	_, err := s.Frame(1)
	assert.ErrorIs(t, err, ErrNoFrame)

	s.Put(Snapshot{CameraID: 1, JPEG: []byte("x")})
	snap, err := s.Frame(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), snap.JPEG)
}

func TestFrameStoreRemove(t *testing.T) {
	s := NewFrameStore()
	s.Put(Snapshot{CameraID: 3, JPEG: []byte("x")})
	s.UpdateHealth(3, func(h *Health) { h.Connected = true })

	s.Remove(3)

	_, ok := s.Latest(3)
	assert.False(t, ok)
	_, ok = s.Health(3)
	assert.False(t, ok)
}

func TestFrameStoreDropKeepsHealth(t *testing.T) {
	s := NewFrameStore()
	s.Put(Snapshot{CameraID: 4, JPEG: []byte("x"), Sequence: 12})
	s.UpdateHealth(4, func(h *Health) { h.Connected = true })

	s.Drop(4)

	_, ok := s.Latest(4)
	assert.False(t, ok)
	h, ok := s.Health(4)
	require.True(t, ok)
	assert.True(t, h.Connected)
	// The high-water sequence outlives the snapshot so numbering never
	// restarts for a camera that comes back.
	assert.Equal(t, int64(12), s.LastSequence(4))
}

func TestFrameStoreLastSequence(t *testing.T) {
	s := NewFrameStore()
	assert.Equal(t, int64(0), s.LastSequence(1))

	s.Put(Snapshot{CameraID: 1, JPEG: []byte("a"), Sequence: 5})
	assert.Equal(t, int64(5), s.LastSequence(1))

	s.Remove(1)
	assert.Equal(t, int64(0), s.LastSequence(1))
}

func TestFrameStoreHealthUpdate(t *testing.T) {
	s := NewFrameStore()
	s.UpdateHealth(1, func(h *Health) {
		h.Connected = true
		h.FPS = 12.5
	})
	s.UpdateHealth(1, func(h *Health) { h.FrameCount = 42 })

	h, ok := s.Health(1)
	require.True(t, ok)
	assert.True(t, h.Connected)
	assert.Equal(t, 12.5, h.FPS)
	assert.Equal(t, int64(42), h.FrameCount)
}

// One writer per camera, many readers: the store must never lose the most
// recent sequence.
func TestFrameStoreConcurrentAccess(t *testing.T) {
	s := NewFrameStore()
	const writes = 500

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			s.Put(Snapshot{CameraID: 1, JPEG: []byte{byte(i)}, Sequence: int64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		var last int64
		for i := 0; i < writes; i++ {
			if snap, ok := s.Latest(1); ok {
				assert.GreaterOrEqual(t, snap.Sequence, last)
				last = snap.Sequence
			}
		}
	}()
	wg.Wait()

	snap, ok := s.Latest(1)
	require.True(t, ok)
	assert.Equal(t, int64(writes), snap.Sequence)
}
