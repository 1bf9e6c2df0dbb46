package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/nvr-ai/go-yolov3/controller"
	"github.com/nvr-ai/go-yolov3/display"
	"github.com/nvr-ai/go-yolov3/inference"
	"github.com/nvr-ai/go-yolov3/inference/providers"
	"github.com/nvr-ai/go-yolov3/profiler"
)

func detectCommand(ctx *Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect [image-dir]",
		Short: "Run detection on every image in a directory",
		Long: "Letterboxes each image into the network input, runs one forward pass, " +
			"suppresses overlapping boxes and shows the labelled result.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				ctx.Settings.Input.Dir = args[0]
			}
			return runDetect(cmd, ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("backend", string(providers.GorgoniaProviderBackend), "Execution backend: gorgonia, opencv or onnx")
	flags.String("onnx-model", "", "Exported ONNX graph for the onnx backend")
	flags.String("onnx-library", "", "ONNX Runtime shared library")
	flags.Int("input-size", 0, "ONNX input size when the graph does not fix it (onnx backend only, 0 means 416)")
	flags.Bool("cuda", false, "Use the GPU when the backend supports it")
	flags.Int("device-id", 0, "GPU device")
	flags.Float32("conf-threshold", 0.8, "Minimum objectness")
	flags.Float32("nms-threshold", 0.4, "Overlap above which same-class boxes are merged")
	flags.String("images", "images", "Directory of images to process")
	flags.Bool("show", true, "Show every result in a window")
	flags.Int("wait-ms", 0, "How long the window waits for a key, 0 waits forever")
	flags.StringP("output", "o", "", "Directory to write rendered PNGs to")
	flags.String("metrics-file", "", "Write Prometheus metrics of the run to this file")

	return cmd
}

func runDetect(cmd *cobra.Command, ctx *Context) (err error) {
	s, log := ctx.Settings, ctx.Log

	names, err := s.ClassNames(log)
	if err != nil {
		return err
	}

	engine, err := inference.NewEngineBuilder().
		WithLogger(log).
		WithNMS(s.Detection).
		WithProvider(s.ProviderConfig(log)).
		Build()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, engine.Close()) }()

	rp, err := profiler.NewRuntimeProfiler()
	if err != nil {
		return err
	}

	opts := controller.Options{
		Names:     names,
		OutputDir: s.Output.Dir,
		Out:       cmd.OutOrStdout(),
		Profiler:  rp,
		Logger:    log,
	}
	if s.Output.Show {
		window := display.NewWindow("yolov3", s.Output.WaitMillis)
		defer func() { err = multierr.Append(err, window.Close()) }()
		opts.Display = window
	}

	summary, err := controller.New(engine, opts).RunDirectory(cmd.Context(), s.Input.Dir)
	if err != nil {
		return err
	}
	log.Infow("done", "images", summary.Images, "objects", summary.Objects)

	if s.Output.MetricsFile != "" {
		if err := rp.WriteTextfile(s.Output.MetricsFile); err != nil {
			return errors.Wrap(err, "metrics")
		}
	}
	return nil
}
