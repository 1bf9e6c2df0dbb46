// Package config loads the detector settings from defaults, a YAML file,
// YOLOV3_* environment variables and command line flags, in increasing priority.
package config

import (
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-yolov3/fetch"
	"github.com/nvr-ai/go-yolov3/inference/providers"
	"github.com/nvr-ai/go-yolov3/models"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
)

// EnvPrefix prefixes every environment variable, e.g. YOLOV3_MODEL_BACKEND.
const EnvPrefix = "YOLOV3"

// Settings is the complete configuration of a run.
type Settings struct {
	// Debug enables development logging.
	Debug bool `mapstructure:"debug"`
	// Model selects the backend and the model files.
	Model ModelSettings `mapstructure:"model"`
	// Detection holds the suppression thresholds.
	Detection postprocess.NMSConfig `mapstructure:"detection"`
	// Input is where the images are read from.
	Input InputSettings `mapstructure:"input"`
	// Output controls how results are shown and stored.
	Output OutputSettings `mapstructure:"output"`

	// namesDefaulted is set when model.names was derived from model.dir.
	namesDefaulted bool
}

// ModelSettings names the model files and the backend that evaluates them.
type ModelSettings struct {
	Backend         string `mapstructure:"backend"`
	Dir             string `mapstructure:"dir"`
	Config          string `mapstructure:"cfg"`
	Weights         string `mapstructure:"weights"`
	Names           string `mapstructure:"names"`
	ONNXModel       string `mapstructure:"onnx_model"`
	ONNXLibrary     string `mapstructure:"onnx_library"`
	InputSize       int    `mapstructure:"input_size"`
	CUDA            bool   `mapstructure:"cuda"`
	DeviceID        int    `mapstructure:"device_id"`
	WeightsChecksum string `mapstructure:"weights_checksum"`
}

// InputSettings is the image source.
type InputSettings struct {
	Dir string `mapstructure:"dir"`
}

// OutputSettings controls display and persistence.
type OutputSettings struct {
	// Show opens a window per image.
	Show bool `mapstructure:"show"`
	// WaitMillis is how long the window waits for a key; zero waits forever.
	WaitMillis int `mapstructure:"wait_ms"`
	// Dir receives rendered PNGs when set.
	Dir string `mapstructure:"dir"`
	// MetricsFile receives Prometheus metrics when set.
	MetricsFile string `mapstructure:"metrics_file"`
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"debug":          "debug",
	"backend":        "model.backend",
	"model-dir":      "model.dir",
	"cfg":            "model.cfg",
	"weights":        "model.weights",
	"names":          "model.names",
	"onnx-model":     "model.onnx_model",
	"onnx-library":   "model.onnx_library",
	"input-size":     "model.input_size",
	"cuda":           "model.cuda",
	"device-id":      "model.device_id",
	"conf-threshold": "detection.conf_threshold",
	"nms-threshold":  "detection.nms_threshold",
	"images":         "input.dir",
	"show":           "output.show",
	"wait-ms":        "output.wait_ms",
	"output":         "output.dir",
	"metrics-file":   "output.metrics_file",
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("model.backend", string(providers.GorgoniaProviderBackend))
	v.SetDefault("model.dir", "models")
	v.SetDefault("model.cfg", "")
	v.SetDefault("model.weights", "")
	v.SetDefault("model.names", "")
	v.SetDefault("model.onnx_model", "")
	v.SetDefault("model.onnx_library", "")
	v.SetDefault("model.input_size", 0)
	v.SetDefault("model.cuda", false)
	v.SetDefault("model.device_id", 0)
	v.SetDefault("model.weights_checksum", "")
	v.SetDefault("detection.conf_threshold", postprocess.DefaultConfThreshold)
	v.SetDefault("detection.nms_threshold", postprocess.DefaultNMSThreshold)
	v.SetDefault("input.dir", "images")
	v.SetDefault("output.show", true)
	v.SetDefault("output.wait_ms", 0)
	v.SetDefault("output.dir", "")
	v.SetDefault("output.metrics_file", "")
}

// New returns a viper instance with defaults and environment lookup configured.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every known flag in flags to its configuration key. Unknown
// flags are ignored so commands can register only the flags they use.
//
// Arguments:
//   - v: The viper instance.
//   - flags: The command flag set.
//
// Returns:
//   - error: An error if binding fails.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			err = multierr.Append(err, v.BindPFlag(key, f))
		}
	})
	return errors.Wrap(err, "bind flags")
}

// Load reads the optional config file and decodes the settings.
//
// Arguments:
//   - v: A viper instance from New, with flags already bound.
//   - path: A YAML config file, or empty for none.
//
// Returns:
//   - *Settings: The resolved settings with model paths filled in.
//   - error: An error if the file cannot be read or the settings are invalid.
func Load(v *viper.Viper, path string) (*Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	s.resolvePaths()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// resolvePaths places unset model files inside the model directory.
func (s *Settings) resolvePaths() {
	fill := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(s.Model.Dir, name)
		}
	}
	fill(&s.Model.Config, "yolov3.cfg")
	fill(&s.Model.Weights, "yolov3.weights")
	s.namesDefaulted = s.Model.Names == ""
	fill(&s.Model.Names, "coco.names")
	if providers.ProviderBackend(s.Model.Backend) == providers.ONNXProviderBackend {
		fill(&s.Model.ONNXModel, "yolov3.onnx")
	}
}

// Validate reports every invalid setting at once.
func (s *Settings) Validate() error {
	var err error
	if s.Model.Backend == "" {
		err = multierr.Append(err, errors.New("model.backend is empty"))
	}
	if s.Model.InputSize < 0 || s.Model.InputSize%32 != 0 {
		err = multierr.Append(err, errors.Errorf("model.input_size %d is not a multiple of 32", s.Model.InputSize))
	}
	if s.Model.InputSize != 0 && providers.ProviderBackend(s.Model.Backend) != providers.ONNXProviderBackend {
		err = multierr.Append(err, errors.Errorf("model.input_size only applies to the onnx backend, %s reads it from the [net] section of %s",
			s.Model.Backend, s.Model.Config))
	}
	if s.Model.DeviceID < 0 {
		err = multierr.Append(err, errors.Errorf("model.device_id %d is negative", s.Model.DeviceID))
	}
	if vErr := s.Detection.Validate(); vErr != nil {
		err = multierr.Append(err, vErr)
	}
	if s.Output.WaitMillis < 0 {
		err = multierr.Append(err, errors.Errorf("output.wait_ms %d is negative", s.Output.WaitMillis))
	}
	return errors.Wrap(err, "invalid settings")
}

// ProviderConfig returns the execution provider configuration.
func (s *Settings) ProviderConfig(log *zap.SugaredLogger) providers.Config {
	return providers.Config{
		Backend:           providers.ProviderBackend(s.Model.Backend),
		ConfigPath:        s.Model.Config,
		WeightsPath:       s.Model.Weights,
		ModelPath:         s.Model.ONNXModel,
		SharedLibraryPath: s.Model.ONNXLibrary,
		InputSize:         image.Pt(s.Model.InputSize, s.Model.InputSize),
		UseCUDA:           s.Model.CUDA,
		DeviceID:          s.Model.DeviceID,
		Logger:            log,
	}
}

// ClassNames loads the class names file.
//
// When model.names was not configured and the default file does not exist, the
// built-in COCO names are used. Any other failure is returned.
//
// Arguments:
//   - log: Told when the built-in names are used.
//
// Returns:
//   - models.OutputClassSet: The class names.
//   - error: An error if a configured names file cannot be loaded.
func (s *Settings) ClassNames(log *zap.SugaredLogger) (models.OutputClassSet, error) {
	names, err := models.LoadClassFile(models.ModelFamilyYOLO, s.Model.Names)
	if err == nil {
		return names, nil
	}
	if s.namesDefaulted && errors.Is(err, os.ErrNotExist) {
		if log != nil {
			log.Warnw("using built-in class names", "path", s.Model.Names)
		}
		return models.YOLOClasses, nil
	}
	return models.OutputClassSet{}, err
}

// Assets returns the downloads needed for the configured files.
func (s *Settings) Assets() []fetch.Asset {
	place := func(a fetch.Asset, path string) fetch.Asset {
		a.Dir, a.Name = filepath.Dir(path), filepath.Base(path)
		return a
	}
	defaults := fetch.DefaultAssets(s.Model.Dir)

	weights := place(defaults[0], s.Model.Weights)
	weights.Checksum = s.Model.WeightsChecksum

	return []fetch.Asset{
		weights,
		place(defaults[1], s.Model.Config),
		place(defaults[2], s.Model.Names),
	}
}
