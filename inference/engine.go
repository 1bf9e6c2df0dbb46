// Package inference - Inference engine interface and implementations.
package inference

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-yolov3/images"
	"github.com/nvr-ai/go-yolov3/inference/providers"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
)

// Engine defines the interface for YOLOv3 detection engines.
type Engine interface {
	// Detect runs the full pipeline on one image.
	Detect(ctx context.Context, img image.Image) (*Result, error)
	// InputSize returns the network input size.
	InputSize() image.Point
	// Close releases the execution provider.
	Close() error
}

// Result is the outcome of one Detect call.
type Result struct {
	// Detections in source image pixels, highest score first.
	Detections []postprocess.Detection
	// ImageSize is the size of the source image.
	ImageSize image.Point
	// Letterbox is the geometry used to fit the image into the network input.
	Letterbox images.Letterbox
	// Duration covers preprocessing, the forward pass and suppression.
	Duration time.Duration
}

// Count returns the number of detections.
func (r *Result) Count() int {
	return len(r.Detections)
}

// EngineBuilder assembles an Engine with a fluent API.
type EngineBuilder struct {
	provider providers.ExecutionProvider
	nms      postprocess.NMSConfig
	log      *zap.SugaredLogger
	err      error
}

// NewEngineBuilder creates a new engine builder with the default thresholds.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{nms: postprocess.DefaultNMSConfig()}
}

// WithProvider opens the execution provider described by args.
//
// Arguments:
//   - args: The provider configuration.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithProvider(args providers.Config) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if args.Logger == nil {
		args.Logger = b.log
	}

	provider, err := providers.NewProvider(args)
	if err != nil {
		b.err = err
		return b
	}
	b.provider = provider
	return b
}

// WithExecutionProvider uses an already opened provider. The engine takes ownership of it.
func (b *EngineBuilder) WithExecutionProvider(provider providers.ExecutionProvider) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if provider == nil {
		b.err = errors.New("provider is nil")
		return b
	}
	b.provider = provider
	return b
}

// WithNMS sets the suppression thresholds.
//
// Arguments:
//   - cfg: The thresholds. Both must lie in [0, 1].
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithNMS(cfg postprocess.NMSConfig) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if err := cfg.Validate(); err != nil {
		b.err = err
		return b
	}
	b.nms = cfg
	return b
}

// WithLogger sets the logger used by the engine and by providers opened afterwards.
func (b *EngineBuilder) WithLogger(log *zap.SugaredLogger) *EngineBuilder {
	b.log = log
	return b
}

// HasError checks if the engine builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// MustBuild builds the engine and panics if there is an error.
//
// Returns:
//   - Engine: The engine.
func (b *EngineBuilder) MustBuild() Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}

// Build builds the engine.
//
// Returns:
//   - Engine: The engine.
//   - error: The first error recorded by the builder, or a missing provider.
func (b *EngineBuilder) Build() (Engine, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.provider == nil {
		return nil, errors.New("provider not configured")
	}

	log := b.log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &engine{
		provider: b.provider,
		nms:      b.nms,
		log:      log,
	}, nil
}

// engine implements the Engine interface.
type engine struct {
	provider providers.ExecutionProvider
	nms      postprocess.NMSConfig
	log      *zap.SugaredLogger
}

// Detect letterboxes img into the network input, runs the provider, suppresses
// overlapping candidates and maps the survivors back to img's pixels.
//
// Arguments:
//   - ctx: The context for the pass.
//   - img: The image to detect objects in.
//
// Returns:
//   - *Result: The detections and timing.
//   - error: An error if the image is empty or the forward pass fails.
func (e *engine) Detect(ctx context.Context, img image.Image) (*Result, error) {
	start := time.Now()

	size := img.Bounds().Size()
	lb, err := images.NewLetterbox(size, e.provider.InputSize())
	if err != nil {
		return nil, errors.Wrap(err, "letterbox")
	}

	input := images.ToTensor(lb.Apply(img))

	candidates, err := e.provider.Forward(ctx, input)
	if err != nil {
		return nil, errors.Wrapf(err, "forward %s", e.provider.Backend())
	}

	dets := postprocess.Suppress(candidates, e.nms)
	for i := range dets {
		dets[i].Box = lb.InvertRect(dets[i].Box)
	}

	res := &Result{
		Detections: dets,
		ImageSize:  size,
		Letterbox:  lb,
		Duration:   time.Since(start),
	}

	e.log.Debugw("detect",
		"size", size,
		"candidates", len(candidates),
		"detections", len(dets),
		"duration", res.Duration,
	)

	return res, nil
}

// InputSize returns the provider input size.
func (e *engine) InputSize() image.Point {
	return e.provider.InputSize()
}

// Close releases the provider.
func (e *engine) Close() error {
	return e.provider.Close()
}
