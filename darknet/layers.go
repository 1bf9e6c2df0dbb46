package darknet

import (
	"github.com/pkg/errors"
)

// ErrUnknownSection is returned for section types the network builder does not support.
var ErrUnknownSection = errors.New("darknet: unsupported section type")

// Kind identifies a layer type.
type Kind string

const (
	// KindConvolutional is a convolution with optional batch norm and activation.
	KindConvolutional Kind = "convolutional"
	// KindShortcut adds the output of an earlier layer.
	KindShortcut Kind = "shortcut"
	// KindRoute concatenates earlier outputs along the channel axis.
	KindRoute Kind = "route"
	// KindUpsample is nearest-neighbour upsampling.
	KindUpsample Kind = "upsample"
	// KindMaxPool is 2D max pooling.
	KindMaxPool Kind = "maxpool"
	// KindYOLO is a detection head.
	KindYOLO Kind = "yolo"
)

// Layer is the typed form of a topology section.
//
// Only the fields relevant to Kind are populated. Indices in Route and
// Shortcut are resolved to absolute layer positions.
type Layer struct {
	Kind  Kind
	Index int

	// convolutional
	Filters        int
	Size           int
	Stride         int
	Pad            int
	BatchNormalize bool
	Activation     string

	// route
	Layers []int

	// shortcut
	From int

	// yolo
	Mask    []int
	Anchors [][2]float32
	Classes int

	// OutChannels is the channel count this layer produces.
	OutChannels int
}

// TypedLayers converts the sections of c into typed layers and tracks channel counts.
//
// Returns:
//   - []Layer: The layers, one per section after [net].
//   - error: An error for unknown section types or malformed options.
func (c *Config) TypedLayers() ([]Layer, error) {
	_, _, channels, err := c.InputSize()
	if err != nil {
		return nil, err
	}

	layers := make([]Layer, 0, len(c.Layers))
	prev := channels
	for i, s := range c.Layers {
		l := Layer{Kind: Kind(s.Type), Index: i}

		switch l.Kind {
		case KindConvolutional:
			if err := parseConvolutional(s, &l); err != nil {
				return nil, err
			}
			l.OutChannels = l.Filters

		case KindShortcut:
			from, err := s.Int("from", -3)
			if err != nil {
				return nil, err
			}
			l.From = resolve(i, from)
			if l.From < 0 || l.From >= i {
				return nil, errors.Errorf("[shortcut] #%d: from=%d out of range", s.Index, from)
			}
			l.Activation = s.String("activation", "linear")
			l.OutChannels = prev

		case KindRoute:
			refs, err := s.Ints("layers")
			if err != nil {
				return nil, err
			}
			if len(refs) == 0 {
				return nil, errors.Errorf("[route] #%d: no layers", s.Index)
			}
			l.OutChannels = 0
			for _, ref := range refs {
				abs := resolve(i, ref)
				if abs < 0 || abs >= i {
					return nil, errors.Errorf("[route] #%d: layer %d out of range", s.Index, ref)
				}
				l.Layers = append(l.Layers, abs)
				l.OutChannels += layers[abs].OutChannels
			}

		case KindUpsample:
			if l.Stride, err = s.Int("stride", 2); err != nil {
				return nil, err
			}
			l.OutChannels = prev

		case KindMaxPool:
			if l.Size, err = s.Int("size", 2); err != nil {
				return nil, err
			}
			if l.Stride, err = s.Int("stride", 2); err != nil {
				return nil, err
			}
			l.OutChannels = prev

		case KindYOLO:
			if err := parseYOLO(s, &l); err != nil {
				return nil, err
			}
			l.OutChannels = prev

		default:
			return nil, errors.Wrapf(ErrUnknownSection, "[%s] #%d", s.Type, s.Index)
		}

		prev = l.OutChannels
		layers = append(layers, l)
	}

	return layers, nil
}

// resolve turns a relative (negative) layer reference into an absolute index.
func resolve(current, ref int) int {
	if ref < 0 {
		return current + ref
	}
	return ref
}

func parseConvolutional(s *Section, l *Layer) error {
	var err error
	if l.Filters, err = s.Int("filters", 1); err != nil {
		return err
	}
	if l.Size, err = s.Int("size", 1); err != nil {
		return err
	}
	if l.Stride, err = s.Int("stride", 1); err != nil {
		return err
	}
	pad, err := s.Int("pad", 0)
	if err != nil {
		return err
	}
	if pad != 0 {
		l.Pad = l.Size / 2
	}
	bn, err := s.Int("batch_normalize", 0)
	if err != nil {
		return err
	}
	l.BatchNormalize = bn != 0
	l.Activation = s.String("activation", "logistic")

	if l.Filters <= 0 || l.Size <= 0 || l.Stride <= 0 {
		return errors.Errorf("[convolutional] #%d: filters, size and stride must be positive", s.Index)
	}
	return nil
}

func parseYOLO(s *Section, l *Layer) error {
	var err error
	if l.Classes, err = s.Int("classes", 80); err != nil {
		return err
	}
	raw, err := s.Ints("anchors")
	if err != nil {
		return err
	}
	if len(raw)%2 != 0 {
		return errors.Errorf("[yolo] #%d: odd anchor list", s.Index)
	}
	all := make([][2]float32, 0, len(raw)/2)
	for i := 0; i < len(raw); i += 2 {
		all = append(all, [2]float32{float32(raw[i]), float32(raw[i+1])})
	}

	mask, err := s.Ints("mask")
	if err != nil {
		return err
	}
	if len(mask) == 0 {
		for i := range all {
			mask = append(mask, i)
		}
	}
	l.Mask = mask
	for _, m := range mask {
		if m < 0 || m >= len(all) {
			return errors.Errorf("[yolo] #%d: mask %d outside anchors", s.Index, m)
		}
		l.Anchors = append(l.Anchors, all[m])
	}
	return nil
}
