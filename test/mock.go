// Package test - deterministic fixtures shared by the package tests.
package test

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/images"
	"github.com/nvr-ai/go-yolov3/inference/providers"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
)

// Gray is a mid gray distinct from the letterbox padding.
var Gray = color.RGBA{R: 90, G: 90, B: 90, A: 255}

// MockProvider is an ExecutionProvider that returns fixed candidates.
//
// @example
// p := NewMockProvider(image.Pt(416, 416), 80, Candidate(208, 208, 100, 100, 0.9, 0, 80))
// engine := inference.NewEngineBuilder().WithExecutionProvider(p).MustBuild()
type MockProvider struct {
	mu         sync.Mutex
	size       image.Point
	classes    int
	candidates []postprocess.Candidate
	err        error
	calls      int
	shapes     []tensor.Shape
	closed     bool
}

// NewMockProvider creates a provider with the given input size and output.
//
// Arguments:
//   - size: The network input size reported by InputSize.
//   - classes: The class count reported by Classes.
//   - candidates: Returned by every Forward call.
//
// Returns:
//   - *MockProvider: The provider.
func NewMockProvider(size image.Point, classes int, candidates ...postprocess.Candidate) *MockProvider {
	return &MockProvider{size: size, classes: classes, candidates: candidates}
}

// FailWith makes every following Forward call return err.
func (m *MockProvider) FailWith(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Backend returns the gorgonia backend name.
func (m *MockProvider) Backend() providers.ProviderBackend {
	return providers.GorgoniaProviderBackend
}

// InputSize returns the configured input size.
func (m *MockProvider) InputSize() image.Point {
	return m.size
}

// Classes returns the configured class count.
func (m *MockProvider) Classes() int {
	return m.classes
}

// Forward records the input shape and returns a copy of the candidates.
func (m *MockProvider) Forward(ctx context.Context, input *tensor.Dense) ([]postprocess.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("provider is closed")
	}
	m.calls++
	m.shapes = append(m.shapes, input.Shape().Clone())
	if m.err != nil {
		return nil, m.err
	}

	out := make([]postprocess.Candidate, len(m.candidates))
	for i, c := range m.candidates {
		c.ClassProbs = append([]float32(nil), c.ClassProbs...)
		out[i] = c
	}
	return out, nil
}

// Close marks the provider closed.
func (m *MockProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns the number of Forward calls.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Shapes returns the input shapes Forward received.
func (m *MockProvider) Shapes() []tensor.Shape {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tensor.Shape(nil), m.shapes...)
}

// Closed reports whether Close was called.
func (m *MockProvider) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Candidate builds a candidate centered at (cx, cy) in network pixels whose
// class probabilities are one-hot on class.
//
// Arguments:
//   - cx, cy: The box center.
//   - w, h: The box size.
//   - obj: The objectness.
//   - class: The index of the predicted class.
//   - classes: The length of the probability vector.
//
// Returns:
//   - postprocess.Candidate: The candidate.
func Candidate(cx, cy, w, h, obj float32, class, classes int) postprocess.Candidate {
	probs := make([]float32, classes)
	probs[class] = 1
	return postprocess.Candidate{
		Box:        images.RectFromCenter(cx, cy, w, h),
		Objectness: obj,
		ClassProbs: probs,
	}
}

// MockImageGenerator creates deterministic test images.
//
// @example
// gen := NewMockImageGenerator(768, 576)
// img := gen.Gradient()
type MockImageGenerator struct {
	width  int
	height int
}

// NewMockImageGenerator creates a new image generator with specified dimensions.
//
// Arguments:
//   - width: Image width in pixels.
//   - height: Image height in pixels.
//
// Returns:
//   - *MockImageGenerator: The generator.
func NewMockImageGenerator(width, height int) *MockImageGenerator {
	return &MockImageGenerator{width: width, height: height}
}

// Solid returns an image filled with c.
func (g *MockImageGenerator) Solid(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, g.width, g.height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// Gradient returns an image whose red channel follows x and green channel follows y.
func (g *MockImageGenerator) Gradient() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, g.width, g.height))
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / max(1, g.width-1)),
				G: uint8(y * 255 / max(1, g.height-1)),
				B: 64,
				A: 255,
			})
		}
	}
	return img
}
