package inference

import (
	"context"
	"image"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/inference/providers"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
	"github.com/nvr-ai/go-yolov3/test"
)

var netSize = image.Pt(416, 416)

func build(t *testing.T, p providers.ExecutionProvider) Engine {
	t.Helper()
	e, err := NewEngineBuilder().WithExecutionProvider(p).Build()
	require.NoError(t, err)
	return e
}

// TestDetectIdentityForNetworkSizedImage tests that a 416x416 image needs no padding and its boxes are not rescaled.
func TestDetectIdentityForNetworkSizedImage(t *testing.T) {
	cand := test.Candidate(200.25, 150.5, 80, 60, 0.95, 3, 80)
	p := test.NewMockProvider(netSize, 80, cand)
	e := build(t, p)
	defer e.Close()

	res, err := e.Detect(context.Background(), test.NewMockImageGenerator(416, 416).Gradient())
	require.NoError(t, err)

	assert.Equal(t, image.Pt(0, 0), res.Letterbox.Pad)
	require.Equal(t, 1, res.Count())
	assert.Equal(t, cand.Box, res.Detections[0].Box)
	assert.Equal(t, 3, res.Detections[0].Class)
	assert.Equal(t, []tensor.Shape{{1, 3, 416, 416}}, p.Shapes())
}

// TestDetectMapsNetworkCenterToImageCenter tests that the network center maps to the image center for non-square images.
func TestDetectMapsNetworkCenterToImageCenter(t *testing.T) {
	tests := []struct {
		name string
		size image.Point
	}{
		{"wide", image.Pt(832, 416)},
		{"dog", image.Pt(768, 576)},
		{"odd", image.Pt(500, 333)},
		{"tall", image.Pt(300, 1001)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := test.NewMockProvider(netSize, 80, test.Candidate(208, 208, 40, 40, 0.9, 0, 80))
			e := build(t, p)

			res, err := e.Detect(context.Background(), test.NewMockImageGenerator(tt.size.X, tt.size.Y).Solid(test.Gray))
			require.NoError(t, err)
			require.Equal(t, 1, res.Count())

			cx, cy := res.Letterbox.Invert(208, 208)
			assert.Equal(t, float32(tt.size.X)/2, cx)
			assert.Equal(t, float32(tt.size.Y)/2, cy)

			bx, by := res.Detections[0].Box.Center()
			assert.InDelta(t, float32(tt.size.X)/2, bx, 1e-3)
			assert.InDelta(t, float32(tt.size.Y)/2, by, 1e-3)
			assert.Equal(t, tt.size, res.ImageSize)
		})
	}
}

// TestDetectRescalesWideImage tests padding removal and scaling for a 2:1 image.
func TestDetectRescalesWideImage(t *testing.T) {
	p := test.NewMockProvider(netSize, 80, test.Candidate(208, 208, 100, 100, 0.9, 0, 80))
	e := build(t, p)

	res, err := e.Detect(context.Background(), test.NewMockImageGenerator(832, 416).Gradient())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count())

	// 832x416 is resized to 416x208 with 104 rows of padding above and below.
	assert.Equal(t, image.Pt(0, 104), res.Letterbox.Pad)
	box := res.Detections[0].Box
	assert.InDelta(t, 316, box.X1, 1e-3)
	assert.InDelta(t, 108, box.Y1, 1e-3)
	assert.InDelta(t, 516, box.X2, 1e-3)
	assert.InDelta(t, 308, box.Y2, 1e-3)
}

// TestDetectClipsToImage tests that detections are clipped to the image bounds.
func TestDetectClipsToImage(t *testing.T) {
	p := test.NewMockProvider(netSize, 80, test.Candidate(10, 208, 60, 60, 0.9, 0, 80))
	e := build(t, p)

	res, err := e.Detect(context.Background(), test.NewMockImageGenerator(416, 208).Gradient())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count())

	box := res.Detections[0].Box
	assert.Equal(t, float32(0), box.X1)
	assert.LessOrEqual(t, box.Y2, float32(208))
}

// TestDetectIsRepeatable tests that two passes over the same image give identical detections.
func TestDetectIsRepeatable(t *testing.T) {
	p := test.NewMockProvider(netSize, 80,
		test.Candidate(100, 100, 50, 50, 0.95, 1, 80),
		test.Candidate(105, 102, 50, 50, 0.9, 1, 80),
		test.Candidate(300, 300, 30, 60, 0.85, 2, 80),
		test.Candidate(50, 300, 30, 60, 0.5, 2, 80),
	)
	e := build(t, p)
	img := test.NewMockImageGenerator(640, 480).Gradient()

	first, err := e.Detect(context.Background(), img)
	require.NoError(t, err)
	second, err := e.Detect(context.Background(), img)
	require.NoError(t, err)

	assert.Equal(t, first.Detections, second.Detections)
	assert.Equal(t, first.Letterbox, second.Letterbox)
	assert.Equal(t, 2, first.Count())
	assert.Equal(t, 2, p.Calls())
}

// TestDetectAppliesThresholds tests that the configured thresholds reach suppression.
func TestDetectAppliesThresholds(t *testing.T) {
	cands := []postprocess.Candidate{
		test.Candidate(100, 100, 50, 50, 0.95, 1, 80),
		test.Candidate(300, 300, 50, 50, 0.6, 1, 80),
	}

	e := build(t, test.NewMockProvider(netSize, 80, cands...))
	res, err := e.Detect(context.Background(), test.NewMockImageGenerator(416, 416).Gradient())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count())

	e, err = NewEngineBuilder().
		WithExecutionProvider(test.NewMockProvider(netSize, 80, cands...)).
		WithNMS(postprocess.NMSConfig{ConfThreshold: 0.5, NMSThreshold: 0.4}).
		Build()
	require.NoError(t, err)
	res, err = e.Detect(context.Background(), test.NewMockImageGenerator(416, 416).Gradient())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count())
}

// TestDetectPropagatesErrors tests that provider failures and empty images are errors.
func TestDetectPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	e := build(t, test.NewMockProvider(netSize, 80).FailWith(boom))

	_, err := e.Detect(context.Background(), test.NewMockImageGenerator(10, 10).Gradient())
	assert.True(t, errors.Is(err, boom), "got %v", err)

	_, err = e.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 0, 0)))
	assert.Error(t, err)
}

// TestBuilderErrors tests that builder misconfiguration surfaces from Build.
func TestBuilderErrors(t *testing.T) {
	_, err := NewEngineBuilder().Build()
	assert.EqualError(t, err, "provider not configured")

	_, err = NewEngineBuilder().WithExecutionProvider(nil).Build()
	assert.Error(t, err)

	_, err = NewEngineBuilder().
		WithExecutionProvider(test.NewMockProvider(netSize, 80)).
		WithNMS(postprocess.NMSConfig{ConfThreshold: 2}).
		Build()
	assert.Error(t, err)

	_, err = NewEngineBuilder().WithProvider(providers.Config{Backend: "nope"}).Build()
	assert.True(t, errors.Is(err, providers.ErrUnsupportedBackend), "got %v", err)

	assert.Panics(t, func() { NewEngineBuilder().MustBuild() })
}

// TestCloseClosesProvider tests that closing the engine closes its provider.
func TestCloseClosesProvider(t *testing.T) {
	p := test.NewMockProvider(netSize, 80)
	e := build(t, p)
	require.NoError(t, e.Close())
	assert.True(t, p.Closed())
	assert.Equal(t, netSize, e.InputSize())
}
