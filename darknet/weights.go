package darknet

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
)

var (
	// ErrShortWeights is returned when the blob ends before every layer is filled.
	ErrShortWeights = errors.New("darknet: weights blob is shorter than the topology requires")
	// ErrTrailingWeights is returned when floats remain after the last layer.
	ErrTrailingWeights = errors.New("darknet: weights blob is longer than the topology requires")
)

// batchNormEpsilon matches the epsilon used when the weights were trained.
const batchNormEpsilon = 1e-5

// Header is the fixed prefix of a .weights file.
type Header struct {
	Major    int32
	Minor    int32
	Revision int32
	// Seen is the number of images seen during training.
	Seen int64
}

// Weights is a float32 stream following the header, consumed in layer order.
type Weights struct {
	Header Header
	data   []float32
	offset int
}

// LoadWeights reads a .weights file from disk.
func LoadWeights(path string) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open weights %s", path)
	}
	defer f.Close()

	w, err := ReadWeights(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "read weights %s", path)
	}
	return w, nil
}

// ReadWeights parses a Darknet weight blob.
//
// The header is three little-endian int32 version fields followed by the
// "seen" counter, which is an int64 for format versions >= 0.2 and an int32
// before that. Everything after the header is little-endian float32.
//
// Arguments:
//   - r: The blob source.
//
// Returns:
//   - *Weights: The header and the float stream positioned at the start.
//   - error: An error if the header is truncated or the payload is not float aligned.
func ReadWeights(r io.Reader) (*Weights, error) {
	var h Header
	for _, v := range []*int32{&h.Major, &h.Minor, &h.Revision} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, errors.Wrap(err, "read header")
		}
	}
	if h.Major*10+h.Minor >= 2 && h.Major < 1000 && h.Minor < 1000 {
		if err := binary.Read(r, binary.LittleEndian, &h.Seen); err != nil {
			return nil, errors.Wrap(err, "read seen")
		}
	} else {
		var seen int32
		if err := binary.Read(r, binary.LittleEndian, &seen); err != nil {
			return nil, errors.Wrap(err, "read seen")
		}
		h.Seen = int64(seen)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read payload")
	}
	if len(payload)%4 != 0 {
		return nil, errors.Errorf("payload of %d bytes is not float32 aligned", len(payload))
	}

	data := make([]float32, len(payload)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}

	return &Weights{Header: h, data: data}, nil
}

// NewWeights wraps an in-memory float stream. It is mostly useful in tests.
func NewWeights(h Header, data []float32) *Weights {
	return &Weights{Header: h, data: data}
}

// Len returns the total number of floats in the stream.
func (w *Weights) Len() int {
	return len(w.data)
}

// Remaining returns the number of floats not yet consumed.
func (w *Weights) Remaining() int {
	return len(w.data) - w.offset
}

// Next returns the next n floats of the stream.
func (w *Weights) Next(n int) ([]float32, error) {
	if n > w.Remaining() {
		return nil, errors.Wrapf(ErrShortWeights, "need %d floats at offset %d, have %d", n, w.offset, w.Remaining())
	}
	out := w.data[w.offset : w.offset+n]
	w.offset += n
	return out, nil
}

// Done reports ErrTrailingWeights if any floats were left unconsumed.
func (w *Weights) Done() error {
	if r := w.Remaining(); r != 0 {
		return errors.Wrapf(ErrTrailingWeights, "%d floats left", r)
	}
	return nil
}

// ConvParams are the kernel and bias of a convolution with batch norm already folded in.
type ConvParams struct {
	// Kernel is laid out as [filters, channels, size, size].
	Kernel []float32
	// Bias has one entry per filter.
	Bias []float32
}

// ReadConv consumes the parameters of one convolutional layer.
//
// With batch normalisation the stored order is beta, gamma, running mean,
// running variance, kernel. Without it, bias then kernel. Batch norm is folded
// into the returned kernel and bias.
//
// Arguments:
//   - l: The convolutional layer.
//   - inChannels: The channel count feeding the layer.
//
// Returns:
//   - ConvParams: The folded parameters.
//   - error: ErrShortWeights if the stream runs out.
func (w *Weights) ReadConv(l Layer, inChannels int) (ConvParams, error) {
	n := l.Filters
	kernelLen := n * inChannels * l.Size * l.Size

	if !l.BatchNormalize {
		bias, err := w.Next(n)
		if err != nil {
			return ConvParams{}, err
		}
		kernel, err := w.Next(kernelLen)
		if err != nil {
			return ConvParams{}, err
		}
		return ConvParams{
			Kernel: append([]float32(nil), kernel...),
			Bias:   append([]float32(nil), bias...),
		}, nil
	}

	var parts [4][]float32
	for i := range parts {
		p, err := w.Next(n)
		if err != nil {
			return ConvParams{}, err
		}
		parts[i] = p
	}
	beta, gamma, mean, variance := parts[0], parts[1], parts[2], parts[3]

	raw, err := w.Next(kernelLen)
	if err != nil {
		return ConvParams{}, err
	}

	kernel := make([]float32, kernelLen)
	bias := make([]float32, n)
	per := kernelLen / n
	for f := 0; f < n; f++ {
		scale := gamma[f] / float32(math.Sqrt(float64(variance[f])+batchNormEpsilon))
		for k := 0; k < per; k++ {
			kernel[f*per+k] = raw[f*per+k] * scale
		}
		bias[f] = beta[f] - mean[f]*scale
	}

	return ConvParams{Kernel: kernel, Bias: bias}, nil
}
