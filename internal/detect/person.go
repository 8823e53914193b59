package detect

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// SubjectOccupancy is the fixed subject key for person-count detections;
// headcount is deduplicated per zone, not per individual.
const SubjectOccupancy = "occupancy"

// PersonDetector counts people in a frame using a HOG pedestrian detector.
// One Result is emitted per frame; the box count is the headcount.
type PersonDetector struct {
	mu  sync.Mutex
	hog gocv.HOGDescriptor
}

func NewPersonDetector() (*PersonDetector, error) {
	hog := gocv.NewHOGDescriptor()
	if err := hog.SetSVMDetector(gocv.HOGDefaultPeopleDetector()); err != nil {
		_ = hog.Close()
		return nil, fmt.Errorf("set people detector: %w", err)
	}
	return &PersonDetector{hog: hog}, nil
}

func (d *PersonDetector) Category() Category { return CategoryPerson }

func (d *PersonDetector) Infer(frameJPEG []byte) ([]Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := gocv.IMDecode(frameJPEG, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("decode frame: empty image")
	}

	people := d.hog.DetectMultiScale(img)
	if len(people) == 0 {
		return nil, nil
	}
	return []Result{{
		Category:   CategoryPerson,
		SubjectKey: SubjectOccupancy,
		Confidence: 1.0,
		Boxes:      people,
		At:         time.Now(),
	}}, nil
}

func (d *PersonDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hog.Close()
}
