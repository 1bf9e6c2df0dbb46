// Package controller - This file contains the batch driver that routes every image through detection and display.
package controller

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-yolov3/images"
	"github.com/nvr-ai/go-yolov3/inference"
	"github.com/nvr-ai/go-yolov3/models"
	"github.com/nvr-ai/go-yolov3/profiler"
	"github.com/nvr-ai/go-yolov3/util"
	"github.com/nvr-ai/go-yolov3/visualize"
)

// Displayer shows a rendered image. *display.Window implements it.
type Displayer interface {
	Show(title string, img image.Image) (int, error)
}

// Options configures a Controller.
type Options struct {
	// Names resolves class indices to labels.
	Names models.OutputClassSet
	// OutputDir receives one PNG per image when set.
	OutputDir string
	// Display shows every rendering when set.
	Display Displayer
	// Out receives the per-image console lines. Defaults to os.Stdout.
	Out io.Writer
	// Profiler times every stage when set.
	Profiler *profiler.RuntimeProfiler
	// Logger receives diagnostics. A no-op logger is used when nil.
	Logger *zap.SugaredLogger
	// OnResult, when set, receives every image's outcome before the next image
	// is read. The controller keeps no reference to it afterwards.
	OnResult func(ImageResult)
}

// ImageResult is the outcome for one image.
type ImageResult struct {
	File    util.ImageFile
	Result  *inference.Result
	Overlay *visualize.Overlay
}

// Summary counts what a run processed.
type Summary struct {
	Images  int
	Objects int
}

// Controller drives images one at a time through the engine, the visualizer
// and the display.
type Controller struct {
	engine inference.Engine
	opts   Options
	log    *zap.SugaredLogger
	out    io.Writer
}

// New creates a controller. The engine stays owned by the caller.
//
// Arguments:
//   - engine: The detection engine.
//   - opts: The options.
//
// Returns:
//   - *Controller: The controller.
func New(engine inference.Engine, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Names.Len() == 0 {
		opts.Names = models.YOLOClasses
	}
	return &Controller{engine: engine, opts: opts, log: log, out: out}
}

// RunDirectory processes every image in dir in name order.
func (c *Controller) RunDirectory(ctx context.Context, dir string) (*Summary, error) {
	done := c.time(profiler.OperationLoad)
	files, err := util.ListDirectoryImageFiles(dir)
	done()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no images found in %s", dir)
	}
	c.log.Infow("processing images", "dir", dir, "count", len(files))
	return c.Run(ctx, files)
}

// Run processes files in order, each to completion before the next.
//
// The first failure stops the run; the summary of the images processed so far
// is returned with the error.
//
// Arguments:
//   - ctx: Checked before every image.
//   - files: The images to process.
//
// Returns:
//   - *Summary: The image and object counts.
//   - error: The first failure, wrapped with the image path.
func (c *Controller) Run(ctx context.Context, files []util.ImageFile) (*Summary, error) {
	summary := &Summary{}

	if c.opts.OutputDir != "" {
		if err := os.MkdirAll(c.opts.OutputDir, 0o755); err != nil {
			return summary, errors.Wrapf(err, "create output directory %s", c.opts.OutputDir)
		}
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		res, err := c.Process(ctx, f)
		if err != nil {
			return summary, errors.Wrapf(err, "image %d (%s)", f.Index, f.Path)
		}

		summary.Images++
		summary.Objects += res.Result.Count()
		if c.opts.OnResult != nil {
			c.opts.OnResult(*res)
		}
	}

	if c.opts.Profiler != nil {
		c.opts.Profiler.Report(c.log)
	}
	return summary, nil
}

// Process decodes, detects, prints, renders and shows one image.
func (c *Controller) Process(ctx context.Context, f util.ImageFile) (*ImageResult, error) {
	fmt.Fprintf(c.out, "Image %d: '%s'\n", f.Index, f.Path)

	done := c.time(profiler.OperationDecode)
	img, err := images.Load(f.Path)
	done()
	if err != nil {
		return nil, err
	}

	done = c.time(profiler.OperationDetect)
	res, err := c.engine.Detect(ctx, img)
	done()
	if err != nil {
		return nil, err
	}

	labels := make([]string, len(res.Detections))
	for i, d := range res.Detections {
		labels[i] = c.opts.Names.Name(d.Class)
		fmt.Fprintf(c.out, "\t+ Label: %s, Conf: %.5f\n", labels[i], d.ClassConfidence)
	}
	fmt.Fprintf(c.out, "%d objects detected in %s (%v)\n", res.Count(), f.Path, res.Duration.Truncate(time.Millisecond))

	if c.opts.Profiler != nil {
		c.opts.Profiler.RecordImage(labels)
	}

	done = c.time(profiler.OperationRender)
	overlay := visualize.Render(img, res.Detections, c.opts.Names)
	done()

	if c.opts.OutputDir != "" {
		name := strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path)) + ".png"
		if err := overlay.SavePNG(filepath.Join(c.opts.OutputDir, name)); err != nil {
			return nil, err
		}
	}

	if c.opts.Display != nil {
		if _, err := c.opts.Display.Show(f.Path, overlay.Image); err != nil {
			return nil, errors.Wrap(err, "display")
		}
	}

	c.log.Debugw("processed image",
		"path", f.Path,
		"size", res.ImageSize,
		"detections", res.Count(),
		"duration", res.Duration,
	)

	return &ImageResult{File: f, Result: res, Overlay: overlay}, nil
}

func (c *Controller) time(op string) func() {
	if c.opts.Profiler == nil {
		return func() {}
	}
	return c.opts.Profiler.StartOperation(op)
}
