package detect

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// yoloDetection is one decoded, NMS-filtered box from a YOLO network.
type yoloDetection struct {
	ClassID    int
	Class      string
	Confidence float32
	Box        image.Rectangle
}

// yoloNet wraps a darknet-style YOLO network (v3 family): grid outputs of
// [cx, cy, w, h, objectness, class scores...] rows, coordinates normalized
// to the frame size.
type yoloNet struct {
	net           gocv.Net
	outputNames   []string
	classes       []string
	inputSize     int
	confThreshold float32
	nmsThreshold  float32
}

func newYOLONet(weightsPath, configPath string, classes []string, confThreshold float32) (*yoloNet, error) {
	net := gocv.ReadNet(weightsPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("load network %s", weightsPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		_ = net.Close()
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		_ = net.Close()
		return nil, fmt.Errorf("set target: %w", err)
	}

	layerNames := net.GetLayerNames()
	var outputNames []string
	for _, i := range net.GetUnconnectedOutLayers() {
		outputNames = append(outputNames, layerNames[i-1])
	}
	if len(outputNames) == 0 {
		_ = net.Close()
		return nil, fmt.Errorf("network has no output layers")
	}

	return &yoloNet{
		net:           net,
		outputNames:   outputNames,
		classes:       classes,
		inputSize:     416,
		confThreshold: confThreshold,
		nmsThreshold:  0.4,
	}, nil
}

// detect runs one forward pass and returns NMS-filtered detections in
// original image coordinates. Caller serializes access.
func (y *yoloNet) detect(img gocv.Mat) []yoloDetection {
	blob := gocv.BlobFromImage(img, 1.0/255.0,
		image.Pt(y.inputSize, y.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	y.net.SetInput(blob, "")
	outputs := y.net.ForwardLayers(y.outputNames)
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()

	var (
		boxes    []image.Rectangle
		scores   []float32
		classIDs []int
	)
	cols, rows := img.Cols(), img.Rows()

	for _, out := range outputs {
		for r := 0; r < out.Rows(); r++ {
			// Best class for this candidate box.
			bestClass, bestScore := 0, float32(0)
			for c := 5; c < out.Cols(); c++ {
				if s := out.GetFloatAt(r, c); s > bestScore {
					bestScore = s
					bestClass = c - 5
				}
			}
			confidence := bestScore * out.GetFloatAt(r, 4)
			if confidence < y.confThreshold {
				continue
			}
			cx := out.GetFloatAt(r, 0) * float32(cols)
			cy := out.GetFloatAt(r, 1) * float32(rows)
			w := out.GetFloatAt(r, 2) * float32(cols)
			h := out.GetFloatAt(r, 3) * float32(rows)
			boxes = append(boxes, image.Rect(
				int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)))
			scores = append(scores, confidence)
			classIDs = append(classIDs, bestClass)
		}
	}
	if len(boxes) == 0 {
		return nil
	}

	keep := gocv.NMSBoxes(boxes, scores, y.confThreshold, y.nmsThreshold)
	detections := make([]yoloDetection, 0, len(keep))
	for _, i := range keep {
		d := yoloDetection{
			ClassID:    classIDs[i],
			Confidence: scores[i],
			Box:        boxes[i],
		}
		if d.ClassID < len(y.classes) {
			d.Class = y.classes[d.ClassID]
		} else {
			d.Class = fmt.Sprintf("class-%d", d.ClassID)
		}
		detections = append(detections, d)
	}
	return detections
}

func (y *yoloNet) close() error {
	return y.net.Close()
}
