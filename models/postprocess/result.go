// Package postprocess - Postprocessing utilities for detection models.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/go-yolov3/images"
)

// Candidate is a raw box emitted by a detection head before suppression.
type Candidate struct {
	// The box in network input pixels.
	Box images.Rect
	// The probability that the box contains any object.
	Objectness float32
	// The per-class probabilities, conditional on an object being present.
	ClassProbs []float32
}

// BestClass returns the index and probability of the most likely class.
// Ties resolve to the lowest index.
func (c Candidate) BestClass() (int, float32) {
	best, conf := -1, float32(0)
	for i, p := range c.ClassProbs {
		if best < 0 || p > conf {
			best, conf = i, p
		}
	}
	return best, conf
}

// Detection is a single detection result.
type Detection struct {
	// The bounding box of the result.
	Box images.Rect
	// The objectness score of the result.
	Objectness float32
	// The probability of the predicted class.
	ClassConfidence float32
	// The predicted class index of the result.
	Class int
}

// Score is the ranking score used during suppression.
func (d Detection) Score() float32 {
	return d.Objectness * d.ClassConfidence
}

func (d Detection) String() string {
	return fmt.Sprintf("class=%d obj=%.5f conf=%.5f (%.1f, %.1f), (%.1f, %.1f)",
		d.Class, d.Objectness, d.ClassConfidence, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
}
