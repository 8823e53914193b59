package camera

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type persistRecorder struct {
	mu    sync.Mutex
	calls int
	last  []Handle
}

func (p *persistRecorder) persist(handles []Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = handles
	return nil
}

func newTestManager(t *testing.T) (*Manager, *persistRecorder) {
	t.Helper()
	rec := &persistRecorder{}
	m := NewManager(NewFrameStore(), rec.persist)
	m.SetOpenFunc(func(string) (Capture, error) { return newFakeCapture(), nil })
	t.Cleanup(m.StopAll)
	return m, rec
}

func TestManagerAddValidation(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.Add(Handle{ID: 1, URI: "  ", Name: "bad"})
	assert.ErrorIs(t, err, ErrInvalidURI)

	require.NoError(t, m.Add(Handle{ID: 1, URI: "rtsp://cam/1", Name: "front"}))

	err = m.Add(Handle{ID: 1, URI: "rtsp://cam/other", Name: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateCamera)
}

func TestManagerRemove(t *testing.T) {
	m, rec := newTestManager(t)

	assert.ErrorIs(t, m.Remove(9), ErrUnknownCamera)

	require.NoError(t, m.Add(Handle{ID: 2, URI: "rtsp://cam/2", Name: "yard", Enabled: true}))
	require.NoError(t, m.Remove(2))

	_, ok := m.Get(2)
	assert.False(t, ok)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.last)
}

func TestManagerToggle(t *testing.T) {
	m, _ := newTestManager(t)

	assert.ErrorIs(t, m.Toggle(5, true), ErrUnknownCamera)

	require.NoError(t, m.Add(Handle{ID: 5, URI: "rtsp://cam/5", Name: "dock"}))
	require.NoError(t, m.Toggle(5, true))

	h, ok := m.Get(5)
	require.True(t, ok)
	assert.True(t, h.Enabled)

	require.NoError(t, m.Toggle(5, false))
	h, _ = m.Get(5)
	assert.False(t, h.Enabled)
}

func TestManagerToggleDropsFrame(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Add(Handle{ID: 6, URI: "rtsp://cam/6", Name: "roof", Enabled: true}))

	m.store.Put(Snapshot{CameraID: 6, JPEG: []byte("stale"), Sequence: 9})
	m.store.UpdateHealth(6, func(h *Health) { h.Connected = true })

	require.NoError(t, m.Toggle(6, false))

	// Consumers must see a disabled camera as having no frame, not keep
	// working off the last image it produced.
	_, _, ok := m.store.LatestFrame(6)
	assert.False(t, ok)

	h, ok := m.store.Health(6)
	require.True(t, ok)
	assert.False(t, h.Connected)
	assert.Equal(t, int64(9), m.store.LastSequence(6))
}

func TestManagerListSorted(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Add(Handle{ID: 3, URI: "rtsp://cam/3", Name: "c"}))
	require.NoError(t, m.Add(Handle{ID: 1, URI: "rtsp://cam/1", Name: "a"}))
	require.NoError(t, m.Add(Handle{ID: 2, URI: "rtsp://cam/2", Name: "b"}))

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{list[0].ID, list[1].ID, list[2].ID})
}

func TestManagerName(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Add(Handle{ID: 8, URI: "rtsp://cam/8", Name: "lobby"}))

	assert.Equal(t, "lobby", m.Name(8))
	assert.Equal(t, "camera-99", m.Name(99))
}

func TestManagerPersistsOnMutation(t *testing.T) {
	m, rec := newTestManager(t)
	require.NoError(t, m.Add(Handle{ID: 1, URI: "rtsp://cam/1", Name: "one"}))
	require.NoError(t, m.Toggle(1, true))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.calls)
	require.Len(t, rec.last, 1)
	assert.True(t, rec.last[0].Enabled)
}
