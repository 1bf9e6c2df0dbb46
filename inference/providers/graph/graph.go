// Package graph - pure Go execution provider that evaluates a Darknet network with gorgonia.
package graph

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/darknet"
	"github.com/nvr-ai/go-yolov3/inference/providers"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
	"github.com/nvr-ai/go-yolov3/models/yolov3"
)

// leakyCoef is the negative slope of Darknet's leaky activation.
const leakyCoef = 0.1

func init() {
	providers.Register(providers.GorgoniaProviderBackend, func(cfg providers.Config) (providers.ExecutionProvider, error) {
		return Open(cfg)
	})
}

// Provider evaluates a Darknet network on a gorgonia tape machine.
type Provider struct {
	mu      sync.Mutex
	g       *G.ExprGraph
	input   *G.Node
	heads   []headNode
	vm      G.VM
	size    image.Point
	classes int
	log     *zap.SugaredLogger
}

type headNode struct {
	node *G.Node
	head yolov3.Head
}

// Open loads the topology and weights named in cfg and builds the graph.
func Open(cfg providers.Config) (*Provider, error) {
	topo, err := darknet.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	weights, err := darknet.LoadWeights(cfg.WeightsPath)
	if err != nil {
		return nil, err
	}
	return New(topo, weights, cfg.Log())
}

// New builds a gorgonia graph for topo, consuming every float of weights.
//
// Arguments:
//   - topo: The parsed network topology.
//   - weights: The weight stream, positioned at the first layer.
//   - log: Receives a summary of the built network.
//
// Returns:
//   - *Provider: The ready to run provider.
//   - error: darknet.ErrShortWeights or darknet.ErrTrailingWeights when the
//     weights do not match the topology, or an error for unsupported layers.
func New(topo *darknet.Config, weights *darknet.Weights, log *zap.SugaredLogger) (*Provider, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	width, height, channels, err := topo.InputSize()
	if err != nil {
		return nil, err
	}
	layers, err := topo.TypedLayers()
	if err != nil {
		return nil, err
	}

	g := G.NewGraph()
	input := G.NewTensor(g, tensor.Float32, 4, G.WithShape(1, channels, height, width), G.WithName("input"))

	p := &Provider{
		g:     g,
		input: input,
		size:  image.Pt(width, height),
		log:   log,
	}

	outputs := make([]*G.Node, len(layers))
	prev, prevChannels := input, channels

	for i, l := range layers {
		var out *G.Node

		switch l.Kind {
		case darknet.KindConvolutional:
			out, err = convolution(g, prev, prevChannels, l, weights)

		case darknet.KindShortcut:
			out, err = G.Add(prev, outputs[l.From])
			if err == nil {
				out, err = activate(out, l.Activation)
			}

		case darknet.KindRoute:
			nodes := make([]*G.Node, len(l.Layers))
			for k, ref := range l.Layers {
				nodes[k] = outputs[ref]
			}
			if len(nodes) == 1 {
				out = nodes[0]
			} else {
				out, err = G.Concat(1, nodes...)
			}

		case darknet.KindUpsample:
			out, err = G.Upsample2D(prev, l.Stride)

		case darknet.KindMaxPool:
			if l.Stride != l.Size {
				return nil, errors.Errorf("layer %d: maxpool with size %d and stride %d is not supported", i, l.Size, l.Stride)
			}
			out, err = G.MaxPool2D(prev, tensor.Shape{l.Size, l.Size}, []int{0, 0}, []int{l.Stride, l.Stride})

		case darknet.KindYOLO:
			head := yolov3.Head{Anchors: l.Anchors, Classes: l.Classes}
			if want := len(head.Anchors) * head.Attributes(); prevChannels != want {
				return nil, errors.Errorf("layer %d: yolo head expects %d channels, got %d", i, want, prevChannels)
			}
			if p.classes != 0 && p.classes != l.Classes {
				return nil, errors.Errorf("layer %d: yolo heads disagree on class count", i)
			}
			p.classes = l.Classes
			p.heads = append(p.heads, headNode{node: prev, head: head})
			out = prev

		default:
			err = errors.Wrapf(darknet.ErrUnknownSection, "layer %d: %s", i, l.Kind)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "build layer %d (%s)", i, l.Kind)
		}

		outputs[i] = out
		prev, prevChannels = out, l.OutChannels
	}

	if err := weights.Done(); err != nil {
		return nil, err
	}
	if len(p.heads) == 0 {
		return nil, errors.New("network has no yolo layers")
	}

	p.vm = G.NewTapeMachine(g)

	log.Infow("built darknet graph",
		"layers", len(layers),
		"heads", len(p.heads),
		"input", fmt.Sprintf("%dx%dx%d", width, height, channels),
		"classes", p.classes,
		"params", weights.Len(),
	)

	return p, nil
}

// convolution builds a conv layer with folded batch norm, bias and activation.
func convolution(g *G.ExprGraph, x *G.Node, inChannels int, l darknet.Layer, weights *darknet.Weights) (*G.Node, error) {
	params, err := weights.ReadConv(l, inChannels)
	if err != nil {
		return nil, err
	}

	kernel := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(l.Filters, inChannels, l.Size, l.Size),
		G.WithName(fmt.Sprintf("conv_%d_kernel", l.Index)),
		G.WithValue(tensor.New(
			tensor.WithShape(l.Filters, inChannels, l.Size, l.Size),
			tensor.WithBacking(params.Kernel),
		)),
	)
	bias := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(1, l.Filters, 1, 1),
		G.WithName(fmt.Sprintf("conv_%d_bias", l.Index)),
		G.WithValue(tensor.New(
			tensor.WithShape(1, l.Filters, 1, 1),
			tensor.WithBacking(params.Bias),
		)),
	)

	out, err := G.Conv2d(x, kernel,
		tensor.Shape{l.Size, l.Size},
		[]int{l.Pad, l.Pad},
		[]int{l.Stride, l.Stride},
		[]int{1, 1},
	)
	if err != nil {
		return nil, err
	}
	if out, err = G.BroadcastAdd(out, bias, nil, []byte{2, 3}); err != nil {
		return nil, err
	}
	return activate(out, l.Activation)
}

func activate(x *G.Node, activation string) (*G.Node, error) {
	switch activation {
	case "linear":
		return x, nil
	case "leaky":
		return G.LeakyRelu(x, leakyCoef)
	case "logistic":
		return G.Sigmoid(x)
	case "relu":
		return G.Rectify(x)
	default:
		return nil, errors.Errorf("unsupported activation %q", activation)
	}
}

// Backend returns the gorgonia backend name.
func (p *Provider) Backend() providers.ProviderBackend {
	return providers.GorgoniaProviderBackend
}

// InputSize returns the [net] width and height.
func (p *Provider) InputSize() image.Point {
	return p.size
}

// Classes returns the class count of the yolo heads.
func (p *Provider) Classes() int {
	return p.classes
}

// Forward runs the tape machine once and decodes every yolo head.
//
// Arguments:
//   - ctx: Checked before the pass starts; the pass itself is not interruptible.
//   - input: A [1, C, H, W] tensor matching the [net] section.
//
// Returns:
//   - []postprocess.Candidate: The candidates of all heads, coarsest scale first.
//   - error: An error if the input shape is wrong or the pass fails.
func (p *Provider) Forward(ctx context.Context, input *tensor.Dense) ([]postprocess.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if want := p.input.Shape(); !input.Shape().Eq(want) {
		return nil, errors.Errorf("input shape %v does not match network input %v", input.Shape(), want)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vm == nil {
		return nil, errors.New("provider is closed")
	}
	defer p.vm.Reset()

	if err := G.Let(p.input, input); err != nil {
		return nil, errors.Wrap(err, "bind input")
	}
	if err := p.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run graph")
	}

	var out []postprocess.Candidate
	for i, h := range p.heads {
		shape := h.node.Shape()
		data, ok := h.node.Value().Data().([]float32)
		if !ok || len(shape) != 4 {
			return nil, errors.Errorf("head %d: unexpected output %v", i, shape)
		}
		cands, err := yolov3.DecodeHead(data, image.Pt(shape[3], shape[2]), p.size, h.head)
		if err != nil {
			return nil, errors.Wrapf(err, "decode head %d", i)
		}
		out = append(out, cands...)
	}

	return out, nil
}

// Close releases the tape machine.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vm == nil {
		return nil
	}
	err := p.vm.Close()
	p.vm = nil
	return err
}
