package images

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// LetterboxColor is the gray used to pad letterboxed images.
var LetterboxColor = color.RGBA{R: 128, G: 128, B: 128, A: 255}

// Letterbox describes how an image of one size is fitted into a fixed network
// input without distorting its aspect ratio.
//
// The resized image is centered and the leftover area on each axis is split
// evenly between the two sides. When the leftover is odd, the resized extent
// grows by one pixel so both pads are equal; the mapping is therefore exactly
// symmetric and the network center maps back onto the image center.
type Letterbox struct {
	// Source is the original image size.
	Source image.Point
	// Target is the network input size.
	Target image.Point
	// Resized is the size the image is scaled to before padding.
	Resized image.Point
	// Pad is the left and top padding. Right and bottom padding are equal to it.
	Pad image.Point
}

// NewLetterbox computes the letterbox geometry for fitting src into dst.
//
// Arguments:
//   - src: The original image size.
//   - dst: The network input size.
//
// Returns:
//   - Letterbox: The geometry.
//   - error: An error if either size is empty.
//
// @example
// lb, err := NewLetterbox(image.Pt(768, 576), image.Pt(416, 416))
// // lb.Resized == (416, 312), lb.Pad == (0, 52)
func NewLetterbox(src, dst image.Point) (Letterbox, error) {
	if src.X <= 0 || src.Y <= 0 {
		return Letterbox{}, errors.Errorf("invalid source size %v", src)
	}
	if dst.X <= 0 || dst.Y <= 0 {
		return Letterbox{}, errors.Errorf("invalid target size %v", dst)
	}

	ratio := math.Min(float64(dst.X)/float64(src.X), float64(dst.Y)/float64(src.Y))

	return Letterbox{
		Source:  src,
		Target:  dst,
		Resized: image.Pt(fitExtent(src.X, dst.X, ratio), fitExtent(src.Y, dst.Y, ratio)),
	}.withPad(), nil
}

// fitExtent scales one axis and nudges the result so the leftover is even.
func fitExtent(src, dst int, ratio float64) int {
	n := int(math.Round(float64(src) * ratio))
	n = max(1, min(n, dst))
	if (dst-n)%2 != 0 {
		n++
	}
	return n
}

func (l Letterbox) withPad() Letterbox {
	l.Pad = image.Pt((l.Target.X-l.Resized.X)/2, (l.Target.Y-l.Resized.Y)/2)
	return l
}

// Scale returns the per-axis factors from source to resized pixels.
func (l Letterbox) Scale() (float64, float64) {
	return float64(l.Resized.X) / float64(l.Source.X), float64(l.Resized.Y) / float64(l.Source.Y)
}

// Apply resizes img bilinearly and pastes it centered on a gray canvas of the target size.
//
// Arguments:
//   - img: The original image. Its bounds must match Source.
//
// Returns:
//   - *image.RGBA: The letterboxed image with bounds starting at (0, 0).
func (l Letterbox) Apply(img image.Image) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, l.Target.X, l.Target.Y))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: LetterboxColor}, image.Point{}, draw.Src)

	var resized image.Image = img
	if l.Resized != img.Bounds().Size() {
		resized = resize.Resize(uint(l.Resized.X), uint(l.Resized.Y), img, resize.Bilinear)
	}

	dst := image.Rectangle{Min: l.Pad, Max: l.Pad.Add(l.Resized)}
	draw.Draw(canvas, dst, resized, resized.Bounds().Min, draw.Src)

	return canvas
}

// Invert maps a point from network input space back to source image space.
//
// The padding is removed first and the result is divided by the per-axis
// scale. Multiplying by the source extent before dividing by the resized
// extent keeps the center of the canvas exactly on the center of the image.
func (l Letterbox) Invert(x, y float32) (float32, float32) {
	ox := (float64(x) - float64(l.Pad.X)) * float64(l.Source.X) / float64(l.Resized.X)
	oy := (float64(y) - float64(l.Pad.Y)) * float64(l.Source.Y) / float64(l.Resized.Y)
	return float32(ox), float32(oy)
}

// InvertRect maps a box from network input space to source image space and
// clips it to the image bounds.
func (l Letterbox) InvertRect(r Rect) Rect {
	x1, y1 := l.Invert(r.X1, r.Y1)
	x2, y2 := l.Invert(r.X2, r.Y2)
	return Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}.Clip(float32(l.Source.X), float32(l.Source.Y))
}
