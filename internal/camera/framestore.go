package camera

import (
	"errors"
	"sync"
	"time"
)

// ErrNoFrame marks a camera that has not produced a frame yet.
var ErrNoFrame = errors.New("no frame available")

// Snapshot is the latest captured frame for one camera. The JPEG buffer is
// immutable once stored; consumers share it without copying.
type Snapshot struct {
	CameraID   int
	JPEG       []byte
	CapturedAt time.Time
	Sequence   int64
}

// Health reflects the live state of one camera stream.
type Health struct {
	Connected  bool
	FPS        float64
	FrameCount int64
	LastError  string
}

// FrameStore holds the latest frame and health per camera id, latest-wins.
// Each camera's Source is the only writer for its id; readers are unbounded.
type FrameStore struct {
	mu      sync.RWMutex
	frames  map[int]Snapshot
	health  map[int]Health
	lastSeq map[int]int64
}

func NewFrameStore() *FrameStore {
	return &FrameStore{
		frames:  make(map[int]Snapshot),
		health:  make(map[int]Health),
		lastSeq: make(map[int]int64),
	}
}

// Put overwrites the snapshot for a camera. Never blocks on consumers.
func (s *FrameStore) Put(snap Snapshot) {
	s.mu.Lock()
	s.frames[snap.CameraID] = snap
	if snap.Sequence > s.lastSeq[snap.CameraID] {
		s.lastSeq[snap.CameraID] = snap.Sequence
	}
	s.mu.Unlock()
}

// LastSequence returns the highest sequence ever stored for a camera. It
// survives Drop so a restarted source continues the numbering instead of
// publishing sequences the camera has already used.
func (s *FrameStore) LastSequence(cameraID int) int64 {
	s.mu.RLock()
	seq := s.lastSeq[cameraID]
	s.mu.RUnlock()
	return seq
}

// Latest returns the current snapshot for a camera. ok is false when no
// frame has been captured yet or the camera was removed; callers treat both
// the same way (no frame available now).
func (s *FrameStore) Latest(cameraID int) (Snapshot, bool) {
	s.mu.RLock()
	snap, ok := s.frames[cameraID]
	s.mu.RUnlock()
	return snap, ok
}

// Frame is like Latest but for callers that need a concrete error.
func (s *FrameStore) Frame(cameraID int) (Snapshot, error) {
	snap, ok := s.Latest(cameraID)
	if !ok {
		return Snapshot{}, ErrNoFrame
	}
	return snap, nil
}

// LatestFrame is the narrow accessor used by the detection dispatcher.
func (s *FrameStore) LatestFrame(cameraID int) (jpeg []byte, capturedAt time.Time, ok bool) {
	snap, ok := s.Latest(cameraID)
	if !ok {
		return nil, time.Time{}, false
	}
	return snap.JPEG, snap.CapturedAt, true
}

// UpdateHealth applies fn to the camera's health record under the lock.
func (s *FrameStore) UpdateHealth(cameraID int, fn func(*Health)) {
	s.mu.Lock()
	h := s.health[cameraID]
	fn(&h)
	s.health[cameraID] = h
	s.mu.Unlock()
}

// Health returns the health record for a camera.
func (s *FrameStore) Health(cameraID int) (Health, bool) {
	s.mu.RLock()
	h, ok := s.health[cameraID]
	s.mu.RUnlock()
	return h, ok
}

// AllHealth returns a copy of every camera's health, keyed by camera id.
func (s *FrameStore) AllHealth() map[int]Health {
	s.mu.RLock()
	out := make(map[int]Health, len(s.health))
	for id, h := range s.health {
		out[id] = h
	}
	s.mu.RUnlock()
	return out
}

// Drop discards the snapshot for a camera but keeps its health record.
// Used when a camera is disabled so consumers stop seeing its frozen frame.
func (s *FrameStore) Drop(cameraID int) {
	s.mu.Lock()
	delete(s.frames, cameraID)
	s.mu.Unlock()
}

// Remove drops the snapshot and health for a camera that no longer exists.
func (s *FrameStore) Remove(cameraID int) {
	s.mu.Lock()
	delete(s.frames, cameraID)
	delete(s.health, cameraID)
	delete(s.lastSeq, cameraID)
	s.mu.Unlock()
}
