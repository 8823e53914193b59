package detect

import (
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// smokeClasses must match the training order of the smoke/fire model.
var smokeClasses = []string{"fire", "smoke"}

const smokeInputSize = 640

// SmokeDetector runs an ONNX-exported YOLO model detecting smoke and fire.
// Each class deduplicates independently downstream, so the subject key is
// the class name.
type SmokeDetector struct {
	mu            sync.Mutex
	net           gocv.Net
	confThreshold float32
	nmsThreshold  float32
}

func NewSmokeDetector(modelPath string, confThreshold float32) (*SmokeDetector, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("load smoke model %s", modelPath)
	}
	if confThreshold <= 0 {
		confThreshold = 0.5
	}
	return &SmokeDetector{
		net:           net,
		confThreshold: confThreshold,
		nmsThreshold:  0.4,
	}, nil
}

func (d *SmokeDetector) Category() Category { return CategorySmoke }

func (d *SmokeDetector) Infer(frameJPEG []byte) ([]Result, error) {
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

	blob := gocv.BlobFromImage(img, 1.0/255.0,
		image.Pt(smokeInputSize, smokeInputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	boxes, scores, classIDs := d.decode(out, img.Cols(), img.Rows())
	if len(boxes) == 0 {
		return nil, nil
	}

	now := time.Now()
	var results []Result
	for _, i := range gocv.NMSBoxes(boxes, scores, d.confThreshold, d.nmsThreshold) {
		class := fmt.Sprintf("class-%d", classIDs[i])
		if classIDs[i] < len(smokeClasses) {
			class = smokeClasses[classIDs[i]]
		}
		results = append(results, Result{
			Category:   CategorySmoke,
			SubjectKey: class,
			Confidence: float64(scores[i]),
			Boxes:      []image.Rectangle{boxes[i]},
			At:         now,
		})
	}
	return results, nil
}

// decode unpacks the [1, 4+classes, anchors] output layout: rows are box
// coordinates followed by per-class scores, columns are anchor candidates.
func (d *SmokeDetector) decode(out gocv.Mat, cols, rows int) ([]image.Rectangle, []float32, []int) {
	dims := out.Size()
	if len(dims) != 3 {
		return nil, nil, nil
	}
	channels, anchors := dims[1], dims[2]
	flat := out.Reshape(1, channels)
	defer flat.Close()

	scaleX := float32(cols) / float32(smokeInputSize)
	scaleY := float32(rows) / float32(smokeInputSize)

	var (
		boxes    []image.Rectangle
		scores   []float32
		classIDs []int
	)
	for a := 0; a < anchors; a++ {
		bestClass, bestScore := 0, float32(0)
		for c := 4; c < channels; c++ {
			if s := flat.GetFloatAt(c, a); s > bestScore {
				bestScore = s
				bestClass = c - 4
			}
		}
		if bestScore < d.confThreshold {
			continue
		}
		cx := flat.GetFloatAt(0, a) * scaleX
		cy := flat.GetFloatAt(1, a) * scaleY
		w := flat.GetFloatAt(2, a) * scaleX
		h := flat.GetFloatAt(3, a) * scaleY
		boxes = append(boxes, image.Rect(
			int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)))
		scores = append(scores, bestScore)
		classIDs = append(classIDs, bestClass)
	}
	return boxes, scores, classIDs
}

func (d *SmokeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
