package detect

import (
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// ppeClasses must match the training order of the hardhat model.
var ppeClasses = []string{"hardhat", "vest", "no_hardhat", "no_vest"}

// PPEDetector flags personal-protective-equipment violations (a person
// without a hardhat or vest). Only violation classes produce results;
// compliant detections are ignored.
type PPEDetector struct {
	mu   sync.Mutex
	yolo *yoloNet
}

func NewPPEDetector(weightsPath, configPath string, confThreshold float32) (*PPEDetector, error) {
	if confThreshold <= 0 {
		confThreshold = 0.5
	}
	yolo, err := newYOLONet(weightsPath, configPath, ppeClasses, confThreshold)
	if err != nil {
		return nil, fmt.Errorf("ppe model: %w", err)
	}
	return &PPEDetector{yolo: yolo}, nil
}

func (d *PPEDetector) Category() Category { return CategoryPPE }

func (d *PPEDetector) Infer(frameJPEG []byte) ([]Result, error) {
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

	now := time.Now()
	var results []Result
	for _, det := range d.yolo.detect(img) {
		if !strings.HasPrefix(det.Class, "no_") {
			continue
		}
		results = append(results, Result{
			Category:   CategoryPPE,
			SubjectKey: det.Class,
			Confidence: float64(det.Confidence),
			Boxes:      []image.Rectangle{det.Box},
			At:         now,
		})
	}
	return results, nil
}

func (d *PPEDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.yolo.close()
}
