// Package onnx - execution provider that runs an exported YOLOv3 graph with ONNX Runtime.
package onnx

import (
	"context"
	"image"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/inference/providers"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
	"github.com/nvr-ai/go-yolov3/models/yolov3"
)

// defaultInputSize is used when neither the graph nor the configuration fixes the input.
const defaultInputSize = 416

func init() {
	providers.Register(providers.ONNXProviderBackend, func(cfg providers.Config) (providers.ExecutionProvider, error) {
		return Open(cfg)
	})
}

// Provider runs a YOLOv3 graph whose single output is [1, N, 5+classes] in input pixels.
type Provider struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	size    image.Point
	classes int
	log     *zap.SugaredLogger
}

// DefaultSharedLibraryPath returns the conventional ONNX Runtime library name for the platform.
//
// Returns:
//   - string: The path handed to the dynamic loader.
func DefaultSharedLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// initEnvironment loads the shared library once per process.
func initEnvironment(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		libPath = DefaultSharedLibraryPath()
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrapf(err, "initialize onnxruntime from %s", libPath)
	}
	return nil
}

// Open creates an ONNX Runtime session with preallocated input and output tensors.
//
// Order of operations:
//  1. Environment setup from the configured shared library.
//  2. Graph inspection to learn the tensor names and shapes.
//  3. Tensor allocation for the fixed [1, 3, H, W] input and [1, N, 5+C] output.
//  4. Session options, with the CUDA execution provider when requested.
//  5. Session creation.
//
// Arguments:
//   - cfg: The provider configuration. ModelPath is required.
//
// Returns:
//   - *Provider: The ready to run provider.
//   - error: An error if the runtime, the graph or the session cannot be set up.
func Open(cfg providers.Config) (*Provider, error) {
	log := cfg.Log()

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "model file %s", cfg.ModelPath)
	}
	if err := initEnvironment(cfg.SharedLibraryPath); err != nil {
		return nil, err
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, errors.Wrap(err, "inspect graph")
	}
	if len(inputsInfo) != 1 || len(outputsInfo) != 1 {
		return nil, errors.Errorf("expected one input and one output, got %d and %d", len(inputsInfo), len(outputsInfo))
	}

	size := inputSize(inputsInfo[0].Dimensions, cfg.InputSize)
	rows, cols := outputGeometry(outputsInfo[0].Dimensions, size, cfg.Classes)
	if cols <= 5 {
		return nil, errors.Errorf("cannot determine class count from output %v", outputsInfo[0].Dimensions)
	}

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(size.Y), int64(size.X)), make([]float32, 3*size.X*size.Y))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(rows), int64(cols)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "create output tensor")
	}

	options, err := sessionOptions(cfg)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{inputsInfo[0].Name}, []string{outputsInfo[0].Name},
		[]ort.Value{input}, []ort.Value{output}, options)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "create session")
	}

	log.Infow("loaded onnx graph",
		"model", cfg.ModelPath,
		"input", inputsInfo[0].Name,
		"output", outputsInfo[0].Name,
		"rows", rows,
		"cuda", cfg.UseCUDA,
	)

	return &Provider{
		session: session,
		input:   input,
		output:  output,
		size:    size,
		classes: cols - 5,
		log:     log,
	}, nil
}

func sessionOptions(cfg providers.Config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "set optimization level")
	}

	if cfg.UseCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "create cuda options")
		}
		defer cuda.Destroy()

		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(cfg.DeviceID)}); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "configure cuda")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "enable cuda")
		}
	}

	return options, nil
}

// inputSize reads H and W from a [1, 3, H, W] input, falling back to the configured size.
func inputSize(dims ort.Shape, fallback image.Point) image.Point {
	if len(dims) == 4 && dims[2] > 0 && dims[3] > 0 {
		return image.Pt(int(dims[3]), int(dims[2]))
	}
	if fallback.X > 0 && fallback.Y > 0 {
		return fallback
	}
	return image.Pt(defaultInputSize, defaultInputSize)
}

// outputGeometry resolves the rows and columns of a [1, N, 5+C] output. A
// dynamic N is derived from the three YOLOv3 scales with three anchors each.
func outputGeometry(dims ort.Shape, size image.Point, classes int) (int, int) {
	rows, cols := 0, 0
	if len(dims) == 3 {
		rows, cols = int(dims[1]), int(dims[2])
	}
	if cols <= 0 && classes > 0 {
		cols = 5 + classes
	}
	if rows <= 0 {
		for _, stride := range []int{32, 16, 8} {
			rows += 3 * (size.X / stride) * (size.Y / stride)
		}
	}
	return rows, cols
}

// Backend returns the onnx backend name.
func (p *Provider) Backend() providers.ProviderBackend {
	return providers.ONNXProviderBackend
}

// InputSize returns the graph input width and height.
func (p *Provider) InputSize() image.Point {
	return p.size
}

// Classes returns the number of class columns.
func (p *Provider) Classes() int {
	return p.classes
}

// Forward copies the tensor into the session input, runs it and decodes the rows.
func (p *Provider) Forward(ctx context.Context, input *tensor.Dense) ([]postprocess.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := input.Data().([]float32)
	if !ok {
		return nil, errors.New("input tensor is not float32")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return nil, errors.New("provider is closed")
	}
	dst := p.input.GetData()
	if len(dst) != len(data) {
		return nil, errors.Errorf("input has %d values, session expects %d", len(data), len(dst))
	}
	copy(dst, data)

	if err := p.session.Run(); err != nil {
		return nil, errors.Wrap(err, "run session")
	}

	return yolov3.DecodeRows(p.output.GetData(), yolov3.RowFormat{
		Classes: p.classes,
		ScaleX:  1,
		ScaleY:  1,
	})
}

// Close destroys the session and its tensors.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return nil
	}
	err := multierr.Combine(
		p.session.Destroy(),
		p.input.Destroy(),
		p.output.Destroy(),
	)
	p.session = nil
	return err
}
