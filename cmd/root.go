// Package cmd wires the command line interface.
package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-yolov3/internal/config"
	"github.com/nvr-ai/go-yolov3/internal/logging"

	// Execution providers register themselves on import.
	_ "github.com/nvr-ai/go-yolov3/inference/providers/graph"
	_ "github.com/nvr-ai/go-yolov3/inference/providers/onnx"
	_ "github.com/nvr-ai/go-yolov3/inference/providers/opencv"
)

// Context carries what every subcommand needs once the root has run.
type Context struct {
	Viper      *viper.Viper
	ConfigFile string
	Settings   *config.Settings
	Log        *zap.SugaredLogger
}

// RootCommand creates and returns the root command.
func RootCommand() *cobra.Command {
	ctx := &Context{Viper: config.New()}

	rootCmd := &cobra.Command{
		Use:           "yolov3",
		Short:         "Detect objects in images with a pretrained YOLOv3 network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.ConfigFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().String("model-dir", "models", "Directory holding yolov3.cfg, yolov3.weights and coco.names")
	rootCmd.PersistentFlags().String("cfg", "", "Darknet topology file (default <model-dir>/yolov3.cfg)")
	rootCmd.PersistentFlags().String("weights", "", "Darknet weights file (default <model-dir>/yolov3.weights)")
	rootCmd.PersistentFlags().String("names", "", "Class names file (default <model-dir>/coco.names)")

	rootCmd.AddCommand(detectCommand(ctx), fetchCommand(ctx))

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := config.BindFlags(ctx.Viper, cmd.Flags()); err != nil {
			return err
		}
		settings, err := config.Load(ctx.Viper, ctx.ConfigFile)
		if err != nil {
			return err
		}
		log, err := logging.New(settings.Debug)
		if err != nil {
			return errors.Wrap(err, "create logger")
		}
		ctx.Settings, ctx.Log = settings, log
		return nil
	}

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if ctx.Log != nil {
			_ = ctx.Log.Sync()
		}
	}

	return rootCmd
}
