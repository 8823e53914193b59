// Package detect owns the detection models and the dispatch loop that runs
// them against sampled camera frames.
package detect

import (
	"errors"
	"image"
	"time"
)

// Category identifies one kind of detector.
type Category string

const (
	CategoryIdentity Category = "identity"
	CategoryPerson   Category = "person"
	CategoryPPE      Category = "ppe"
	CategorySmoke    Category = "smoke"
)

// Categories lists every supported detector category.
func Categories() []Category {
	return []Category{CategoryIdentity, CategoryPerson, CategoryPPE, CategorySmoke}
}

// ValidCategory reports whether s names a known category.
func ValidCategory(s string) bool {
	switch Category(s) {
	case CategoryIdentity, CategoryPerson, CategoryPPE, CategorySmoke:
		return true
	}
	return false
}

// SubjectUnknown is the subject key for faces that match no reference.
const SubjectUnknown = "unknown"

// Result is one raw detection produced by a detector for one frame.
type Result struct {
	CameraID   int
	Category   Category
	SubjectKey string
	Confidence float64
	Boxes      []image.Rectangle
	At         time.Time
}

// ErrModelUnavailable marks a detector whose model failed to initialize.
// The dispatcher degrades by skipping that category; it never crashes.
var ErrModelUnavailable = errors.New("detection model unavailable")

// Detector runs inference on a single JPEG-encoded frame. Implementations
// serialize inference internally; the shared model state is not assumed to
// tolerate concurrent forward passes.
type Detector interface {
	Category() Category
	Infer(frameJPEG []byte) ([]Result, error)
	Close() error
}
