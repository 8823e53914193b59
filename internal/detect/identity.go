package detect

import (
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// SubjectRef is one known subject: reference embeddings plus the
// authorization flag evaluated downstream (the detector only names faces).
type SubjectRef struct {
	ID         string
	Embeddings [][]float32
	Authorized bool
}

// SubjectProvider hands the identity detector its read-only prior
// knowledge. Implementations may swap the underlying set at any time
// (hot reload); the detector takes a fresh snapshot per frame.
type SubjectProvider interface {
	Subjects() []SubjectRef
}

const embeddingSize = 96 // input side for the embedding net

// IdentityDetector localizes faces with a cascade classifier and names them
// by comparing 128-d embeddings against the registered reference set.
type IdentityDetector struct {
	mu        sync.Mutex // serializes inference; the net is not reentrant
	cascade   gocv.CascadeClassifier
	net       gocv.Net
	subjects  SubjectProvider
	tolerance float64
}

// NewIdentityDetector loads the face cascade and the Torch embedding model.
func NewIdentityDetector(cascadePath, embeddingModelPath string, subjects SubjectProvider, tolerance float64) (*IdentityDetector, error) {
	cascade := gocv.NewCascadeClassifier()
	if !cascade.Load(cascadePath) {
		cascade.Close()
		return nil, fmt.Errorf("load face cascade %s", cascadePath)
	}

	net := gocv.ReadNet(embeddingModelPath, "")
	if net.Empty() {
		cascade.Close()
		return nil, fmt.Errorf("load embedding model %s", embeddingModelPath)
	}

	if tolerance <= 0 {
		tolerance = 0.6
	}
	return &IdentityDetector{
		cascade:   cascade,
		net:       net,
		subjects:  subjects,
		tolerance: tolerance,
	}, nil
}

func (d *IdentityDetector) Category() Category { return CategoryIdentity }

func (d *IdentityDetector) Infer(frameJPEG []byte) ([]Result, error) {
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

	faces := d.cascade.DetectMultiScale(img)
	if len(faces) == 0 {
		return nil, nil
	}

	refs := d.subjects.Subjects()
	now := time.Now()
	results := make([]Result, 0, len(faces))
	for _, face := range faces {
		emb, err := d.embed(img, face)
		if err != nil {
			continue
		}
		name, distance := matchSubject(emb, refs, d.tolerance)
		confidence := 1.0 - distance
		if confidence < 0 {
			confidence = 0
		}
		results = append(results, Result{
			Category:   CategoryIdentity,
			SubjectKey: name,
			Confidence: confidence,
			Boxes:      []image.Rectangle{face},
			At:         now,
		})
	}
	return results, nil
}

// embed crops the face region and runs the embedding net on it.
func (d *IdentityDetector) embed(img gocv.Mat, face image.Rectangle) ([]float32, error) {
	region := img.Region(face.Intersect(image.Rect(0, 0, img.Cols(), img.Rows())))
	defer region.Close()
	if region.Empty() {
		return nil, fmt.Errorf("empty face region")
	}

	blob := gocv.BlobFromImage(region, 1.0/255.0,
		image.Pt(embeddingSize, embeddingSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	emb := make([]float32, out.Cols())
	for i := 0; i < out.Cols(); i++ {
		emb[i] = out.GetFloatAt(0, i)
	}
	return emb, nil
}

// matchSubject returns the closest reference subject within tolerance, or
// SubjectUnknown. Distance is euclidean over the embedding space.
func matchSubject(emb []float32, refs []SubjectRef, tolerance float64) (string, float64) {
	name := SubjectUnknown
	best := 1.0
	for _, ref := range refs {
		for _, refEmb := range ref.Embeddings {
			d := euclidean(emb, refEmb)
			if d < best {
				best = d
				if d <= tolerance {
					name = ref.ID
				}
			}
		}
	}
	return name, best
}

func euclidean(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1.0
	}
	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

func (d *IdentityDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cascade.Close()
	return d.net.Close()
}
