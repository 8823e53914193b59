package detect

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Factory constructs a detector, typically loading its model artifact from
// disk. Called at most once per category.
type Factory func() (Detector, error)

// Registry lazily initializes detectors and caches the outcome, including
// failures: a model that failed to load is not retried on every call, it
// stays unavailable until restart.
type Registry struct {
	mu        sync.Mutex
	factories map[Category]Factory
	detectors map[Category]Detector
	failed    map[Category]error
	log       *zap.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Category]Factory),
		detectors: make(map[Category]Detector),
		failed:    make(map[Category]error),
		log:       zap.L().Named("detectors"),
	}
}

// Register installs the factory for a category. Replaces any previous
// factory and clears a cached failure so the new factory gets one attempt.
func (r *Registry) Register(cat Category, f Factory) {
	r.mu.Lock()
	r.factories[cat] = f
	delete(r.failed, cat)
	r.mu.Unlock()
}

// Get returns the detector for a category, initializing it on first use.
// A cached initialization failure returns ErrModelUnavailable immediately.
func (r *Registry) Get(cat Category) (Detector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.detectors[cat]; ok {
		return d, nil
	}
	if err, ok := r.failed[cat]; ok {
		return nil, err
	}
	f, ok := r.factories[cat]
	if !ok {
		return nil, fmt.Errorf("%w: no %s detector registered", ErrModelUnavailable, cat)
	}

	d, err := f()
	if err != nil {
		wrapped := fmt.Errorf("%w: %s: %v", ErrModelUnavailable, cat, err)
		r.failed[cat] = wrapped
		r.log.Error("detector initialization failed, category disabled",
			zap.String("category", string(cat)), zap.Error(err))
		return nil, wrapped
	}
	r.detectors[cat] = d
	r.log.Info("detector initialized", zap.String("category", string(cat)))
	return d, nil
}

// Close releases every initialized detector.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cat, d := range r.detectors {
		if err := d.Close(); err != nil {
			r.log.Warn("closing detector", zap.String("category", string(cat)), zap.Error(err))
		}
		delete(r.detectors, cat)
	}
}
