// Package providers - Provider interface and registry for network execution backends.
package providers

import (
	"context"
	"image"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/models/postprocess"
)

// ErrUnsupportedBackend is returned when no constructor is registered for a backend.
var ErrUnsupportedBackend = errors.New("unsupported provider backend")

// ProviderBackend names an execution backend.
type ProviderBackend string

const (
	// GorgoniaProviderBackend evaluates the Darknet graph in pure Go.
	GorgoniaProviderBackend ProviderBackend = "gorgonia"
	// OpenCVProviderBackend uses the OpenCV DNN module.
	OpenCVProviderBackend ProviderBackend = "opencv"
	// ONNXProviderBackend runs an exported YOLOv3 graph with ONNX Runtime.
	ONNXProviderBackend ProviderBackend = "onnx"
)

// ExecutionProvider represents the contract that all execution backends must implement.
//
// A provider owns a loaded, read-only model. Forward may be called any number of
// times and must return the same candidates for the same input.
type ExecutionProvider interface {
	// Backend returns the backend name.
	Backend() ProviderBackend
	// InputSize returns the network input width and height.
	InputSize() image.Point
	// Classes returns the number of classes the model predicts.
	Classes() int
	// Forward evaluates the network on a [1, 3, H, W] tensor with values in [0, 1]
	// and returns raw candidates in network input pixels.
	Forward(ctx context.Context, input *tensor.Dense) ([]postprocess.Candidate, error)
	// Close releases the model.
	Close() error
}

// Config represents the configuration used to open an execution provider.
type Config struct {
	// Backend specifies the backend to use.
	Backend ProviderBackend `json:"backend" yaml:"backend" mapstructure:"backend"`
	// ConfigPath is the Darknet topology file.
	ConfigPath string `json:"configPath" yaml:"configPath" mapstructure:"cfg"`
	// WeightsPath is the Darknet weights file.
	WeightsPath string `json:"weightsPath" yaml:"weightsPath" mapstructure:"weights"`
	// ModelPath is the exported ONNX graph, used by the onnx backend.
	ModelPath string `json:"modelPath" yaml:"modelPath" mapstructure:"onnx_model"`
	// SharedLibraryPath points at the ONNX Runtime shared library.
	SharedLibraryPath string `json:"sharedLibraryPath" yaml:"sharedLibraryPath" mapstructure:"onnx_library"`
	// Classes is the number of classes, used when the model file does not carry it.
	Classes int `json:"classes" yaml:"classes" mapstructure:"classes"`
	// InputSize is the network input size, used when the model file does not carry it.
	InputSize image.Point `json:"inputSize" yaml:"inputSize" mapstructure:"-"`
	// UseCUDA requests the GPU when the backend supports one.
	UseCUDA bool `json:"useCUDA" yaml:"useCUDA" mapstructure:"cuda"`
	// DeviceID selects the GPU.
	DeviceID int `json:"deviceID" yaml:"deviceID" mapstructure:"device_id"`
	// Logger receives backend diagnostics. A no-op logger is used when nil.
	Logger *zap.SugaredLogger `json:"-" yaml:"-" mapstructure:"-"`
}

// Log returns the configured logger or a no-op one.
func (c Config) Log() *zap.SugaredLogger {
	if c.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return c.Logger
}

// ProviderConstructor opens a provider from its configuration.
type ProviderConstructor func(cfg Config) (ExecutionProvider, error)

var (
	registryMu sync.RWMutex
	registry   = map[ProviderBackend]ProviderConstructor{}
)

// Register makes a backend available to NewProvider. Backends register
// themselves from an init function; registering the same name twice panics.
func Register(backend ProviderBackend, ctor ProviderConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if ctor == nil {
		panic("providers: Register constructor is nil")
	}
	if _, dup := registry[backend]; dup {
		panic("providers: Register called twice for backend " + string(backend))
	}
	registry[backend] = ctor
}

// Backends returns the registered backend names, sorted.
func Backends() []ProviderBackend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]ProviderBackend, 0, len(registry))
	for b := range registry {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewProvider creates a new provider based on the required backend.
//
// Arguments:
//   - cfg: The provider configuration. An empty backend selects gorgonia.
//
// Returns:
//   - ExecutionProvider: The opened provider.
//   - error: ErrUnsupportedBackend if the backend is not registered, or the constructor error.
func NewProvider(cfg Config) (ExecutionProvider, error) {
	if cfg.Backend == "" {
		cfg.Backend = GorgoniaProviderBackend
	}

	registryMu.RLock()
	ctor, ok := registry[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedBackend, "%q (registered: %v)", cfg.Backend, Backends())
	}

	p, err := ctor(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s provider", cfg.Backend)
	}
	return p, nil
}
