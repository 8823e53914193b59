package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/uniface360/sentinel/internal/camera"
	"github.com/uniface360/sentinel/internal/detect"
)

// Subject is one registered person: reference face embeddings plus whether
// they are authorized on site.
type Subject struct {
	Key        string      `json:"key"`
	Authorized bool        `json:"authorized"`
	Embeddings [][]float32 `json:"embeddings"`
}

// registryFile is the on-disk shape of the registry.
type registryFile struct {
	Cameras     []camera.Handle     `json:"cameras"`
	Assignments []detect.Assignment `json:"assignments"`
	Subjects    []Subject           `json:"subjects"`
}

// Registry is the mutable state that survives restarts: cameras, detector
// assignments and known subjects. It is kept as a single JSON file, saved
// atomically via a temp file rename.
type Registry struct {
	path string
	log  *zap.Logger

	mu          sync.RWMutex
	cameras     []camera.Handle
	assignments []detect.Assignment
	subjects    []Subject
}

// OpenRegistry loads the registry at path, starting empty when the file
// does not exist yet.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, log: zap.L().Named("registry")}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}
	r.cameras = f.Cameras
	r.assignments = f.Assignments
	r.subjects = f.Subjects
	return r, nil
}

// Cameras returns the stored camera handles.
func (r *Registry) Cameras() []camera.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]camera.Handle, len(r.cameras))
	copy(out, r.cameras)
	return out
}

// SaveCameras replaces the stored camera set and persists. It is the
// camera manager's persistence hook.
func (r *Registry) SaveCameras(handles []camera.Handle) error {
	r.mu.Lock()
	r.cameras = make([]camera.Handle, len(handles))
	copy(r.cameras, handles)
	r.mu.Unlock()
	return r.save()
}

// Assignments returns the current camera/detector assignments.
func (r *Registry) Assignments() []detect.Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]detect.Assignment, len(r.assignments))
	copy(out, r.assignments)
	return out
}

// SetAssignments replaces the assignment set and persists.
func (r *Registry) SetAssignments(assignments []detect.Assignment) error {
	r.mu.Lock()
	r.assignments = make([]detect.Assignment, len(assignments))
	copy(r.assignments, assignments)
	r.mu.Unlock()
	return r.save()
}

// Subjects implements detect.SubjectProvider.
func (r *Registry) Subjects() []detect.SubjectRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]detect.SubjectRef, 0, len(r.subjects))
	for _, s := range r.subjects {
		refs = append(refs, detect.SubjectRef{
			ID:         s.Key,
			Embeddings: s.Embeddings,
			Authorized: s.Authorized,
		})
	}
	return refs
}

// Authorized reports whether the subject is allowed on site. Unknown keys
// are unauthorized.
func (r *Registry) Authorized(subjectKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subjects {
		if s.Key == subjectKey {
			return s.Authorized
		}
	}
	return false
}

// Reload re-reads the subject set from disk without touching cameras or
// assignments, so operators can edit subjects while the system runs.
func (r *Registry) Reload() (int, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return 0, fmt.Errorf("reading registry: %w", err)
	}
	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parsing registry: %w", err)
	}

	r.mu.Lock()
	r.subjects = f.Subjects
	n := len(r.subjects)
	r.mu.Unlock()

	r.log.Info("subjects reloaded", zap.Int("count", n))
	return n, nil
}

// save writes the registry atomically.
func (r *Registry) save() error {
	r.mu.RLock()
	f := registryFile{
		Cameras:     r.cameras,
		Assignments: r.assignments,
		Subjects:    r.subjects,
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("creating temp registry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing registry: %w", err)
	}
	return nil
}
