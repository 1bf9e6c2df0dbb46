package images

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestIoU_Correctness validates the IoU implementation against known test cases
func TestIoU_Correctness(t *testing.T) {
	tests := []struct {
		name     string
		r1       Rect
		r2       Rect
		expected float32
	}{
		{
			name:     "Identical rectangles",
			r1:       Rect{0, 0, 99, 99},
			r2:       Rect{0, 0, 99, 99},
			expected: 1.0,
		},
		{
			name:     "No overlap",
			r1:       Rect{0, 0, 99, 99},
			r2:       Rect{200, 200, 299, 299},
			expected: 0.0,
		},
		{
			name:     "Adjacent columns",
			r1:       Rect{0, 0, 9, 9},
			r2:       Rect{10, 0, 19, 9},
			expected: 0.0,
		},
		{
			name:     "Shared edge column",
			r1:       Rect{0, 0, 9, 9},
			r2:       Rect{9, 0, 18, 9},
			expected: 10.0 / 190.0,
		},
		{
			name:     "Quarter overlap",
			r1:       Rect{0, 0, 9, 9},
			r2:       Rect{5, 5, 14, 14},
			expected: 25.0 / 175.0,
		},
		{
			name:     "One inside other",
			r1:       Rect{0, 0, 99, 99},
			r2:       Rect{25, 25, 74, 74},
			expected: 0.25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateIoU(tt.r1, tt.r2)
			assert.InDelta(t, tt.expected, result, 1e-4)

			// IoU(A, B) must equal IoU(B, A).
			assert.InDelta(t, result, CalculateIoU(tt.r2, tt.r1), 1e-6)
		})
	}
}

// TestIoU_vs_ImageRectangle compares against image.Rectangle with the inclusive
// maximum turned into an exclusive one.
func TestIoU_vs_ImageRectangle(t *testing.T) {
	testCases := []struct {
		name string
		r1   Rect
		r2   Rect
	}{
		{"No overlap", Rect{0, 0, 100, 100}, Rect{200, 200, 300, 300}},
		{"Partial overlap", Rect{0, 0, 100, 100}, Rect{50, 50, 150, 150}},
		{"Full overlap", Rect{50, 50, 150, 150}, Rect{50, 50, 150, 150}},
		{"One inside other", Rect{0, 0, 100, 100}, Rect{25, 25, 75, 75}},
		{"Large boxes", Rect{0, 0, 1920, 1080}, Rect{960, 540, 1920, 1080}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ir1 := image.Rect(int(tc.r1.X1), int(tc.r1.Y1), int(tc.r1.X2)+1, int(tc.r1.Y2)+1)
			ir2 := image.Rect(int(tc.r2.X1), int(tc.r2.Y1), int(tc.r2.X2)+1, int(tc.r2.Y2)+1)

			assert.InDelta(t, imageRectangleIoU(ir1, ir2), CalculateIoU(tc.r1, tc.r2), 1e-4)
		})
	}
}

// imageRectangleIoU implements IoU using Go's standard library image.Rectangle
func imageRectangleIoU(r1, r2 image.Rectangle) float32 {
	intersect := r1.Intersect(r2)
	if intersect.Empty() {
		return 0.0
	}

	intersectArea := intersect.Dx() * intersect.Dy()
	union := r1.Dx()*r1.Dy() + r2.Dx()*r2.Dy() - intersectArea

	return float32(intersectArea) / float32(union)
}

// TestIoU_EdgeCases tests edge cases and boundary conditions
func TestIoU_EdgeCases(t *testing.T) {
	tests := []struct {
		name string
		r1   Rect
		r2   Rect
	}{
		{"Single pixel rectangle 1", Rect{0, 0, 0, 0}, Rect{0, 0, 100, 100}},
		{"Single pixel rectangle 2", Rect{0, 0, 100, 100}, Rect{50, 50, 50, 50}},
		{"Both single pixel", Rect{0, 0, 0, 0}, Rect{10, 10, 10, 10}},
		{"Negative coordinates", Rect{-100, -100, 0, 0}, Rect{-50, -50, 50, 50}},
		{"Very large coordinates", Rect{0, 0, 99999, 99999}, Rect{50000, 50000, 99999, 99999}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, result := range []float32{CalculateIoU(tt.r1, tt.r2), CalculateIoU(tt.r2, tt.r1)} {
				assert.False(t, math.IsNaN(float64(result)))
				assert.GreaterOrEqual(t, result, float32(0))
				assert.LessOrEqual(t, result, float32(1))
			}
		})
	}
}

// TestRectClip tests clamping a box to the image bounds.
func TestRectClip(t *testing.T) {
	r := Rect{X1: -5, Y1: 10, X2: 700, Y2: 300}.Clip(640, 480)
	assert.Equal(t, Rect{X1: 0, Y1: 10, X2: 640, Y2: 300}, r)

	cx, cy := RectFromCenter(50, 60, 20, 10).Center()
	assert.Equal(t, float32(50), cx)
	assert.Equal(t, float32(60), cy)

	assert.Equal(t, image.Rect(1, 2, 4, 5), Rect{X1: 1.2, Y1: 2.4, X2: 3.6, Y2: 4.5}.ToRectangle())
}
