// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolov3/images"
)

const (
	// DefaultConfThreshold is the minimum objectness a candidate needs to be kept.
	DefaultConfThreshold = 0.8
	// DefaultNMSThreshold is the IoU above which same-class boxes are merged.
	DefaultNMSThreshold = 0.4

	// coordLimit bounds box coordinates before they enter the integer spatial index.
	coordLimit = 1 << 24
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// ConfThreshold drops candidates whose objectness is below it.
	ConfThreshold float32 `json:"confThreshold" yaml:"confThreshold" mapstructure:"conf_threshold"`
	// NMSThreshold is the overlap threshold for suppression.
	NMSThreshold float32 `json:"nmsThreshold" yaml:"nmsThreshold" mapstructure:"nms_threshold"`
}

// DefaultNMSConfig returns the thresholds the pretrained YOLOv3 weights are used with.
func DefaultNMSConfig() NMSConfig {
	return NMSConfig{
		ConfThreshold: DefaultConfThreshold,
		NMSThreshold:  DefaultNMSThreshold,
	}
}

// Validate checks that both thresholds are probabilities.
func (c NMSConfig) Validate() error {
	if !(c.ConfThreshold >= 0 && c.ConfThreshold <= 1) {
		return errors.Errorf("confidence threshold %v outside [0, 1]", c.ConfThreshold)
	}
	if !(c.NMSThreshold >= 0 && c.NMSThreshold <= 1) {
		return errors.Errorf("nms threshold %v outside [0, 1]", c.NMSThreshold)
	}
	return nil
}

// Suppress filters and merges raw candidates into final detections.
//
// Candidates with objectness below ConfThreshold are dropped. The rest are
// ranked by objectness times best class probability. Walking that ranking,
// each surviving head absorbs every remaining box of the same class whose IoU
// with it exceeds NMSThreshold; the head's box becomes the objectness weighted
// mean of the absorbed group, itself included.
//
// Arguments:
//   - candidates: The raw head outputs, in any order.
//   - config: The thresholds.
//
// Returns:
//   - []Detection: The merged detections, highest score first. Nil if nothing survives.
func Suppress(candidates []Candidate, config NMSConfig) []Detection {
	dets := make([]Detection, 0, len(candidates))
	for _, c := range candidates {
		if !(c.Objectness >= config.ConfThreshold) || !finite(c.Box) {
			continue
		}
		class, conf := c.BestClass()
		if class < 0 {
			continue
		}
		dets = append(dets, Detection{
			Box:             c.Box,
			Objectness:      c.Objectness,
			ClassConfidence: conf,
			Class:           class,
		})
	}
	if len(dets) == 0 {
		return nil
	}

	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Score() > dets[j].Score()
	})

	// Index every box once to avoid O(N^2) comparisons.
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(dets))
	for _, d := range dets {
		minX, minY, maxX, maxY := indexBounds(d.Box)
		fb.Add(minX, minY, maxX, maxY)
	}
	fb.Finish()

	removed := make([]bool, len(dets))
	kept := make([]Detection, 0, len(dets))

	for i := range dets {
		if removed[i] {
			continue
		}
		head := dets[i]
		removed[i] = true

		sumW := head.Objectness
		sx1, sy1 := head.Box.X1*sumW, head.Box.Y1*sumW
		sx2, sy2 := head.Box.X2*sumW, head.Box.Y2*sumW

		minX, minY, maxX, maxY := indexBounds(head.Box)
		near := fb.Search(minX, minY, maxX, maxY)
		sort.Ints(near)

		merged := 0

		for _, j := range near {
			if removed[j] || dets[j].Class != head.Class {
				continue
			}
			if images.CalculateIoU(head.Box, dets[j].Box) <= config.NMSThreshold {
				continue
			}
			removed[j] = true
			merged++
			w := dets[j].Objectness
			sumW += w
			sx1 += dets[j].Box.X1 * w
			sy1 += dets[j].Box.Y1 * w
			sx2 += dets[j].Box.X2 * w
			sy2 += dets[j].Box.Y2 * w
		}

		if merged > 0 && sumW > 0 {
			head.Box = images.Rect{X1: sx1 / sumW, Y1: sy1 / sumW, X2: sx2 / sumW, Y2: sy2 / sumW}
		}
		kept = append(kept, head)
	}

	return kept
}

// indexBounds widens a box to whole pixels plus one, so that any pair of boxes
// with a non-zero inclusive IoU is returned by the index.
func indexBounds(r images.Rect) (int32, int32, int32, int32) {
	clamp := func(v float32) int32 {
		return int32(math32.Max(math32.Min(v, coordLimit), -coordLimit))
	}
	return clamp(math32.Floor(r.X1) - 1),
		clamp(math32.Floor(r.Y1) - 1),
		clamp(math32.Ceil(r.X2) + 1),
		clamp(math32.Ceil(r.Y2) + 1)
}

func finite(r images.Rect) bool {
	for _, v := range []float32{r.X1, r.Y1, r.X2, r.Y2} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}
