// Package images - Image geometry, letterboxing and tensor conversion utilities.
package images

import (
	"image"

	"github.com/chewxy/math32"
)

// Rect is an axis-aligned box in pixel coordinates.
type Rect struct {
	// X1,Y1 is the top-left corner and X2,Y2 the bottom-right corner.
	X1, Y1, X2, Y2 float32
}

// RectFromCenter builds a Rect from a center point and a size.
//
// Arguments:
//   - cx, cy: The center of the box.
//   - w, h: The width and height of the box.
//
// Returns:
//   - Rect: The corner form of the box.
func RectFromCenter(cx, cy, w, h float32) Rect {
	return Rect{
		X1: cx - w/2,
		Y1: cy - h/2,
		X2: cx + w/2,
		Y2: cy + h/2,
	}
}

// Width returns X2-X1.
func (r Rect) Width() float32 {
	return r.X2 - r.X1
}

// Height returns Y2-Y1.
func (r Rect) Height() float32 {
	return r.Y2 - r.Y1
}

// Center returns the midpoint of the box.
func (r Rect) Center() (float32, float32) {
	return (r.X1 + r.X2) / 2, (r.Y1 + r.Y2) / 2
}

// Clip clamps the box to [0, w] x [0, h].
func (r Rect) Clip(w, h float32) Rect {
	return Rect{
		X1: math32.Min(math32.Max(r.X1, 0), w),
		Y1: math32.Min(math32.Max(r.Y1, 0), h),
		X2: math32.Min(math32.Max(r.X2, 0), w),
		Y2: math32.Min(math32.Max(r.Y2, 0), h),
	}
}

// ToRectangle rounds the box to an image.Rectangle.
//
// This loses fractional pixels around the edges, which is fine for drawing.
func (r Rect) ToRectangle() image.Rectangle {
	return image.Rect(
		int(math32.Round(r.X1)),
		int(math32.Round(r.Y1)),
		int(math32.Round(r.X2)),
		int(math32.Round(r.Y2)),
	).Canon()
}

// CalculateIoU returns the intersection over union of two boxes.
//
// Extents are treated as inclusive pixel ranges, so a box from 0 to 9 is ten
// pixels wide and two boxes that share an edge column overlap by one pixel.
// This is the convention the pretrained Darknet models were evaluated with.
//
//	IoU = Area of Intersection / Area of Union
//
// Arguments:
//   - r: The first box.
//   - o: The other box to compare against.
//
// Returns:
//   - float32: A value between 0.0 and 1.0.
//
// Example Usage:
// ```go
//
//	a := Rect{X1: 0, Y1: 0, X2: 9, Y2: 9}
//	b := Rect{X1: 5, Y1: 5, X2: 14, Y2: 14}
//	iou := CalculateIoU(a, b) // 25 / (100 + 100 - 25) = 0.142857
//
// ```
func CalculateIoU(r, o Rect) float32 {
	ix1 := math32.Max(r.X1, o.X1)
	iy1 := math32.Max(r.Y1, o.Y1)
	ix2 := math32.Min(r.X2, o.X2)
	iy2 := math32.Min(r.Y2, o.Y2)

	interW := math32.Max(ix2-ix1+1, 0)
	interH := math32.Max(iy2-iy1+1, 0)
	interArea := interW * interH
	if interArea == 0 {
		return 0
	}

	areaR := (r.X2 - r.X1 + 1) * (r.Y2 - r.Y1 + 1)
	areaO := (o.X2 - o.X1 + 1) * (o.Y2 - o.Y1 + 1)

	return interArea / (areaR + areaO - interArea + 1e-16)
}
