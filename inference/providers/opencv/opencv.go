// Package opencv - execution provider backed by the OpenCV DNN module.
package opencv

import (
	"context"
	"image"
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/darknet"
	"github.com/nvr-ai/go-yolov3/inference/providers"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
	"github.com/nvr-ai/go-yolov3/models/yolov3"
)

func init() {
	providers.Register(providers.OpenCVProviderBackend, func(cfg providers.Config) (providers.ExecutionProvider, error) {
		return Open(cfg)
	})
}

// Provider runs a Darknet network through gocv.
type Provider struct {
	mu          sync.Mutex
	net         gocv.Net
	outputNames []string
	size        image.Point
	classes     int
	log         *zap.SugaredLogger
}

// Open loads the Darknet topology and weights with gocv.ReadNetFromDarknet.
//
// The topology is also parsed locally to learn the input size and class count.
// With cfg.UseCUDA the CUDA backend and target are requested; OpenCV falls
// back to the CPU when it was built without CUDA.
//
// Arguments:
//   - cfg: The provider configuration.
//
// Returns:
//   - *Provider: The loaded provider.
//   - error: An error if either file is missing or OpenCV cannot read them.
func Open(cfg providers.Config) (*Provider, error) {
	log := cfg.Log()

	for _, path := range []string{cfg.ConfigPath, cfg.WeightsPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(err, "model file %s", path)
		}
	}

	topo, err := darknet.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	width, height, _, err := topo.InputSize()
	if err != nil {
		return nil, err
	}
	classes, err := headClasses(topo)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNetFromDarknet(cfg.ConfigPath, cfg.WeightsPath)
	if net.Empty() {
		return nil, errors.Errorf("opencv could not load %s with %s", cfg.ConfigPath, cfg.WeightsPath)
	}

	if cfg.UseCUDA {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendOpenCV)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	names := net.GetLayerNames()
	var outputs []string
	for _, id := range net.GetUnconnectedOutLayers() {
		// Layer ids are 1-based.
		if id >= 1 && id <= len(names) {
			outputs = append(outputs, names[id-1])
		}
	}
	if len(outputs) == 0 {
		net.Close()
		return nil, errors.New("network has no output layers")
	}

	log.Infow("loaded darknet network with opencv",
		"cfg", cfg.ConfigPath,
		"outputs", outputs,
		"cuda", cfg.UseCUDA,
	)

	return &Provider{
		net:         net,
		outputNames: outputs,
		size:        image.Pt(width, height),
		classes:     classes,
		log:         log,
	}, nil
}

func headClasses(topo *darknet.Config) (int, error) {
	for _, s := range topo.Layers {
		if s.Type == string(darknet.KindYOLO) {
			return s.Int("classes", 80)
		}
	}
	return 0, errors.New("network has no yolo layers")
}

// Backend returns the opencv backend name.
func (p *Provider) Backend() providers.ProviderBackend {
	return providers.OpenCVProviderBackend
}

// InputSize returns the [net] width and height.
func (p *Provider) InputSize() image.Point {
	return p.size
}

// Classes returns the class count of the yolo heads.
func (p *Provider) Classes() int {
	return p.classes
}

// Forward feeds the tensor as a blob and decodes the region outputs.
//
// OpenCV emits rows of normalised cx, cy, w, h, objectness and class scores
// that are already multiplied by objectness, so they are divided back out.
func (p *Provider) Forward(ctx context.Context, input *tensor.Dense) ([]postprocess.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, ok := input.Data().([]float32)
	if !ok || len(data) == 0 {
		return nil, errors.New("input tensor is not float32")
	}
	shape := input.Shape()
	if len(shape) != 4 || shape[2] != p.size.Y || shape[3] != p.size.X {
		return nil, errors.Errorf("input shape %v does not match network input %v", shape, p.size)
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
	blob, err := gocv.NewMatWithSizesFromBytes([]int(shape), gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, errors.Wrap(err, "create blob")
	}
	defer blob.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.net.SetInput(blob, "")
	outs := p.net.ForwardLayers(p.outputNames)
	defer func() {
		for _, o := range outs {
			o.Close()
		}
	}()

	format := yolov3.RowFormat{
		Classes:       p.classes,
		ScaleX:        float32(p.size.X),
		ScaleY:        float32(p.size.Y),
		Premultiplied: true,
	}

	var cands []postprocess.Candidate
	for i, o := range outs {
		values, err := o.DataPtrFloat32()
		if err != nil {
			return nil, errors.Wrapf(err, "read output %d", i)
		}
		decoded, err := yolov3.DecodeRows(values, format)
		if err != nil {
			return nil, errors.Wrapf(err, "decode output %s", p.outputNames[i])
		}
		cands = append(cands, decoded...)
	}

	return cands, nil
}

// Close releases the network.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.net.Close()
}
