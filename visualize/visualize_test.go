package visualize

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-yolov3/images"
	"github.com/nvr-ai/go-yolov3/inference"
	"github.com/nvr-ai/go-yolov3/models"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
	"github.com/nvr-ai/go-yolov3/test"
)

// TestPaletteDistinctPerUniqueClass tests that every class present gets its own colour.
func TestPaletteDistinctPerUniqueClass(t *testing.T) {
	tests := []struct {
		name    string
		classes []int
		unique  int
	}{
		{"empty", nil, 0},
		{"single", []int{16}, 1},
		{"repeated", []int{2, 2, 2}, 1},
		{"mixed", []int{0, 16, 0, 1, 16, 7}, 4},
		{"catalog", func() []int {
			all := make([]int, 80)
			for i := range all {
				all[i] = i
			}
			return all
		}(), 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Palette(tt.classes)
			require.Len(t, p, tt.unique)

			seen := map[colorful.Color]int{}
			for class, c := range p {
				cc, ok := colorful.MakeColor(c)
				require.True(t, ok)
				if other, dup := seen[cc]; dup {
					t.Fatalf("classes %d and %d share colour %v", other, class, cc.Hex())
				}
				seen[cc] = class
			}
		})
	}
}

// TestPaletteDeterministic tests that the same classes always get the same colours.
func TestPaletteDeterministic(t *testing.T) {
	a := Palette([]int{7, 1, 7, 3})
	b := Palette([]int{3, 1, 7})
	assert.Equal(t, a, b)
}

// TestRenderDrawsOneBoxPerDetection tests labels, box count and that the source image is left untouched.
func TestRenderDrawsOneBoxPerDetection(t *testing.T) {
	src := test.NewMockImageGenerator(320, 240).Solid(test.Gray)
	before := append([]uint8(nil), src.Pix...)

	dets := []postprocess.Detection{
		{Box: images.Rect{X1: 20, Y1: 40, X2: 120, Y2: 200}, Objectness: 0.99, ClassConfidence: 0.97, Class: 16},
		{Box: images.Rect{X1: 150, Y1: 0, X2: 300, Y2: 100}, Objectness: 0.95, ClassConfidence: 0.9, Class: 1},
		{Box: images.Rect{X1: 10, Y1: 10, X2: 60, Y2: 60}, Objectness: 0.9, ClassConfidence: 0.8, Class: 16},
	}

	overlay := Render(src, dets, models.YOLOClasses)

	require.Len(t, overlay.Boxes, len(dets))
	assert.Equal(t, "dog 0.97", overlay.Boxes[0].Label)
	assert.Equal(t, "bicycle 0.90", overlay.Boxes[1].Label)
	assert.Equal(t, image.Rect(20, 40, 120, 200), overlay.Boxes[0].Rect)
	assert.Equal(t, overlay.Boxes[0].Color, overlay.Boxes[2].Color)
	assert.NotEqual(t, overlay.Boxes[0].Color, overlay.Boxes[1].Color)

	assert.Equal(t, before, src.Pix, "source image must not be modified")
	assert.Equal(t, src.Bounds().Size(), overlay.Image.Bounds().Size())

	// The left edge of the first box is drawn, the middle of it is not.
	assert.NotEqual(t, colorAt(src, 20, 120), colorAt(overlay.Image, 20, 120))
	assert.Equal(t, colorAt(src, 70, 120), colorAt(overlay.Image, 70, 120))
}

// TestRenderWithoutDetections tests rendering an image with nothing detected.
func TestRenderWithoutDetections(t *testing.T) {
	src := test.NewMockImageGenerator(64, 48).Gradient()
	overlay := Render(src, nil, models.YOLOClasses)

	assert.Empty(t, overlay.Boxes)
	for y := 0; y < 48; y += 7 {
		for x := 0; x < 64; x += 5 {
			assert.Equal(t, colorAt(src, x, y), colorAt(overlay.Image, x, y))
		}
	}
}

// TestRenderUnknownClassName tests the placeholder label for classes outside the names list.
func TestRenderUnknownClassName(t *testing.T) {
	dets := []postprocess.Detection{{Box: images.Rect{X1: 1, Y1: 30, X2: 20, Y2: 40}, ClassConfidence: 0.5, Class: 120}}
	overlay := Render(test.NewMockImageGenerator(64, 64).Gradient(), dets, models.YOLOClasses)
	assert.Equal(t, "class_120 0.50", overlay.Boxes[0].Label)
}

// TestRunnerAndVisualizerAgree checks that every detection of a run is drawn exactly once.
func TestRunnerAndVisualizerAgree(t *testing.T) {
	p := test.NewMockProvider(image.Pt(416, 416), 80,
		test.Candidate(100, 200, 80, 120, 0.99, 16, 80),
		test.Candidate(104, 198, 80, 120, 0.97, 16, 80),
		test.Candidate(300, 150, 200, 90, 0.93, 1, 80),
		test.Candidate(330, 120, 60, 40, 0.91, 7, 80),
		test.Candidate(20, 20, 10, 10, 0.3, 7, 80),
	)
	engine, err := inference.NewEngineBuilder().WithExecutionProvider(p).Build()
	require.NoError(t, err)
	defer engine.Close()

	img := test.NewMockImageGenerator(768, 576).Gradient()
	res, err := engine.Detect(context.Background(), img)
	require.NoError(t, err)

	overlay := Render(img, res.Detections, models.YOLOClasses)
	assert.Equal(t, res.Count(), len(overlay.Boxes))
	assert.Equal(t, 3, res.Count())
}

// TestSavePNG tests writing the overlay to disk.
func TestSavePNG(t *testing.T) {
	overlay := Render(test.NewMockImageGenerator(32, 32).Gradient(), nil, models.YOLOClasses)

	path := filepath.Join(t.TempDir(), "out.png")
	require.NoError(t, overlay.SavePNG(path))

	decoded, err := images.Load(path)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(32, 32), decoded.Bounds().Size())

	assert.Error(t, overlay.SavePNG(filepath.Join(t.TempDir(), "missing", "out.png")))
}

func colorAt(img image.Image, x, y int) color.RGBA {
	r, g, b, a := img.At(x, y).RGBA()
	return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
}
