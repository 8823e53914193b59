package camera

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrDuplicateCamera = errors.New("camera id already registered")
	ErrUnknownCamera   = errors.New("unknown camera id")
	ErrInvalidURI      = errors.New("invalid camera uri")
)

// Handle describes one registered camera.
type Handle struct {
	ID      int    `json:"id"`
	URI     string `json:"uri"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// PersistFunc saves the full camera list to durable config storage. Called
// under the manager lock after every mutation.
type PersistFunc func([]Handle) error

// Manager owns the camera handles and the lifecycle of their Sources.
// Enabled cameras run a capture goroutine; disabling stops it and removing
// the camera also drops its FrameStore entry.
type Manager struct {
	store   *FrameStore
	persist PersistFunc
	log     *zap.Logger

	mu      sync.Mutex
	handles map[int]Handle
	sources map[int]*Source

	// openOverride is applied to every new Source; nil in production.
	openOverride OpenFunc
}

func NewManager(store *FrameStore, persist PersistFunc) *Manager {
	return &Manager{
		store:   store,
		persist: persist,
		log:     zap.L().Named("cameras"),
		handles: make(map[int]Handle),
		sources: make(map[int]*Source),
	}
}

// SetOpenFunc substitutes the device opener for all sources. Test hook.
func (m *Manager) SetOpenFunc(open OpenFunc) {
	m.mu.Lock()
	m.openOverride = open
	m.mu.Unlock()
}

// Load registers previously persisted cameras and starts the enabled ones.
func (m *Manager) Load(handles []Handle) {
	for _, h := range handles {
		if err := m.Add(h); err != nil {
			m.log.Warn("skipping persisted camera",
				zap.Int("camera_id", h.ID), zap.Error(err))
		}
	}
}

// Add registers a camera and starts its source when enabled. Rejects
// duplicate ids and empty URIs synchronously.
func (m *Manager) Add(h Handle) error {
	if strings.TrimSpace(h.URI) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURI)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handles[h.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateCamera, h.ID)
	}
	m.handles[h.ID] = h
	if h.Enabled {
		m.startLocked(h)
	}
	return m.persistLocked()
}

// Remove stops the camera's source, clears its frames, and forgets it.
func (m *Manager) Remove(id int) error {
	m.mu.Lock()
	src, running := m.sources[id]
	_, exists := m.handles[id]
	delete(m.handles, id)
	delete(m.sources, id)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %d", ErrUnknownCamera, id)
	}
	if running {
		src.Stop()
	}
	m.store.Remove(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked()
}

// Toggle enables or disables a camera, starting or stopping its source.
func (m *Manager) Toggle(id int, enabled bool) error {
	m.mu.Lock()
	h, exists := m.handles[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownCamera, id)
	}
	h.Enabled = enabled
	m.handles[id] = h

	var toStop *Source
	if enabled {
		if _, running := m.sources[id]; !running {
			m.startLocked(h)
		}
	} else {
		toStop = m.sources[id]
		delete(m.sources, id)
	}
	err := m.persistLocked()
	m.mu.Unlock()

	if toStop != nil {
		toStop.Stop()
		// A disabled camera must read as having no frame; keeping the last
		// snapshot would let detectors keep chewing on a frozen image.
		m.store.Drop(id)
		m.store.UpdateHealth(id, func(hl *Health) { hl.Connected = false })
	}
	return err
}

// Restart bounces the camera's source, keeping its registration.
func (m *Manager) Restart(id int) error {
	m.mu.Lock()
	h, exists := m.handles[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownCamera, id)
	}
	src := m.sources[id]
	delete(m.sources, id)
	m.mu.Unlock()

	if src != nil {
		src.Stop()
	}
	if !h.Enabled {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked(h)
	return nil
}

// Get returns the handle for a camera id.
func (m *Manager) Get(id int) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// Name resolves a camera id to its display name, falling back to the id.
func (m *Manager) Name(id int) string {
	if h, ok := m.Get(id); ok {
		return h.Name
	}
	return fmt.Sprintf("camera-%d", id)
}

// List returns all handles ordered by id.
func (m *Manager) List() []Handle {
	m.mu.Lock()
	out := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll shuts down every running source. Used on process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sources := make([]*Source, 0, len(m.sources))
	for _, src := range m.sources {
		sources = append(sources, src)
	}
	m.sources = make(map[int]*Source)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(s *Source) {
			defer wg.Done()
			s.Stop()
		}(src)
	}
	wg.Wait()
}

func (m *Manager) startLocked(h Handle) {
	src := NewSource(h.ID, h.URI, h.Name, m.store)
	if m.openOverride != nil {
		src.SetOpenFunc(m.openOverride)
	}
	m.sources[h.ID] = src
	src.Start()
}

func (m *Manager) persistLocked() error {
	if m.persist == nil {
		return nil
	}
	out := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if err := m.persist(out); err != nil {
		m.log.Error("persisting camera registry failed", zap.Error(err))
		return fmt.Errorf("persist cameras: %w", err)
	}
	return nil
}
