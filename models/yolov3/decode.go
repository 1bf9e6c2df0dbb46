// Package yolov3 - decodes YOLOv3 head outputs into raw detection candidates.
package yolov3

import (
	"image"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolov3/images"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
)

// Head describes one detection scale of the network.
type Head struct {
	// Anchors are the prior box sizes in network input pixels, one per box per cell.
	Anchors [][2]float32
	// Classes is the number of classes predicted per box.
	Classes int
}

// Attributes returns the number of values predicted per box: x, y, w, h,
// objectness and one probability per class.
func (h Head) Attributes() int {
	return 5 + h.Classes
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// DecodeHead turns a raw head feature map into candidates in network pixels.
//
// The feature map is laid out as [boxes*(5+classes), gridH, gridW]. For each
// cell and anchor the box center is (sigmoid(tx) + cx) * stride, the size is
// exp(tw) * anchor, and objectness and class probabilities go through the
// logistic function.
//
// Arguments:
//   - data: The head output for a single image.
//   - grid: The feature map width and height.
//   - input: The network input size, used to derive the stride.
//   - head: The anchors and class count of the head.
//
// Returns:
//   - []postprocess.Candidate: One candidate per cell and anchor.
//   - error: An error if data does not match the head geometry.
func DecodeHead(data []float32, grid, input image.Point, head Head) ([]postprocess.Candidate, error) {
	attrs := head.Attributes()
	boxes := len(head.Anchors)
	plane := grid.X * grid.Y
	if grid.X <= 0 || grid.Y <= 0 || boxes == 0 {
		return nil, errors.Errorf("invalid head geometry grid=%v boxes=%d", grid, boxes)
	}
	if want := boxes * attrs * plane; len(data) != want {
		return nil, errors.Errorf("head output has %d values, expected %d", len(data), want)
	}

	strideX := float32(input.X) / float32(grid.X)
	strideY := float32(input.Y) / float32(grid.Y)

	out := make([]postprocess.Candidate, 0, boxes*plane)
	for b := 0; b < boxes; b++ {
		base := b * attrs * plane
		anchor := head.Anchors[b]
		for gy := 0; gy < grid.Y; gy++ {
			for gx := 0; gx < grid.X; gx++ {
				cell := gy*grid.X + gx
				at := func(k int) float32 {
					return data[base+k*plane+cell]
				}

				cx := (Sigmoid(at(0)) + float32(gx)) * strideX
				cy := (Sigmoid(at(1)) + float32(gy)) * strideY
				w := math32.Exp(at(2)) * anchor[0]
				h := math32.Exp(at(3)) * anchor[1]

				probs := make([]float32, head.Classes)
				for c := range probs {
					probs[c] = Sigmoid(at(5 + c))
				}

				out = append(out, postprocess.Candidate{
					Box:        images.RectFromCenter(cx, cy, w, h),
					Objectness: Sigmoid(at(4)),
					ClassProbs: probs,
				})
			}
		}
	}

	return out, nil
}

// RowFormat describes a flattened [N, 5+classes] prediction matrix as produced
// by exported or runtime-decoded YOLOv3 graphs.
type RowFormat struct {
	// Classes is the number of class columns after the five box columns.
	Classes int
	// ScaleX and ScaleY multiply the box columns into network pixels.
	// Use 1 for pixel outputs and the input size for normalised outputs.
	ScaleX, ScaleY float32
	// Premultiplied is set when the class columns already hold objectness * probability.
	Premultiplied bool
}

// DecodeRows converts a row-major prediction matrix into candidates.
//
// Each row is cx, cy, w, h, objectness followed by the class columns. With
// Premultiplied set, rows without a positive class score are skipped.
//
// Arguments:
//   - data: The flattened rows.
//   - format: How to interpret the columns.
//
// Returns:
//   - []postprocess.Candidate: One candidate per kept row.
//   - error: An error if data is not a whole number of rows.
func DecodeRows(data []float32, format RowFormat) ([]postprocess.Candidate, error) {
	cols := 5 + format.Classes
	if format.Classes <= 0 || len(data)%cols != 0 {
		return nil, errors.Errorf("%d values do not form rows of %d columns", len(data), cols)
	}

	rows := len(data) / cols
	out := make([]postprocess.Candidate, 0, rows)
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		obj := row[4]

		probs := make([]float32, format.Classes)
		copy(probs, row[5:])
		if format.Premultiplied {
			// Runtimes zero every class score at or below their own threshold,
			// which leaves no class to label the box with.
			if obj <= 0 || allZero(probs) {
				continue
			}
			for c := range probs {
				probs[c] /= obj
			}
		}

		out = append(out, postprocess.Candidate{
			Box: images.RectFromCenter(
				row[0]*format.ScaleX,
				row[1]*format.ScaleY,
				row[2]*format.ScaleX,
				row[3]*format.ScaleY,
			),
			Objectness: obj,
			ClassProbs: probs,
		})
	}

	return out, nil
}

func allZero(v []float32) bool {
	for _, x := range v {
		if x > 0 {
			return false
		}
	}
	return true
}
