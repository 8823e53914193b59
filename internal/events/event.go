package events

import (
	"time"

	"github.com/uniface360/sentinel/internal/detect"
)

// Severity ranks how urgent an event is for downstream consumers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a detection that survived debouncing. It is the unit persisted
// to analytics, streamed to live clients, and handed to the notifier.
type Event struct {
	ID           int64           `json:"id" db:"id"`
	Category     detect.Category `json:"type" db:"category"`
	SubjectKey   string          `json:"subjectKey" db:"subject_key"`
	CameraID     int             `json:"cameraId" db:"camera_id"`
	CameraName   string          `json:"camera" db:"camera_name"`
	Severity     Severity        `json:"severity" db:"severity"`
	Confidence   float64         `json:"confidence" db:"confidence"`
	Message      string          `json:"message" db:"message"`
	EvidencePath string          `json:"evidencePath,omitempty" db:"evidence_path"`
	At           time.Time       `json:"timestamp" db:"occurred_at"`
}

// SeverityFor classifies a detection. Unauthorized faces and fire or smoke
// are critical, missing protective equipment is a warning, everything else
// is informational.
func SeverityFor(category detect.Category, subjectKey string, authorized bool) Severity {
	switch category {
	case detect.CategoryIdentity:
		if !authorized || subjectKey == detect.SubjectUnknown {
			return SeverityCritical
		}
		return SeverityInfo
	case detect.CategorySmoke:
		return SeverityCritical
	case detect.CategoryPPE:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
