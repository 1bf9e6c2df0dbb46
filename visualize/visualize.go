// Package visualize draws detections over the image they were found in.
package visualize

import (
	"fmt"
	"image"
	"image/color"
	"sort"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/nvr-ai/go-yolov3/models"
	"github.com/nvr-ai/go-yolov3/models/postprocess"
)

const (
	// LineWidth is the outline width in pixels.
	LineWidth = 2

	minFontSize   = 12
	labelPadding  = 2
	paletteSat    = 0.85
	paletteValue  = 0.95
	fontSizeRatio = 40
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Palette assigns a colour to every unique class in classes.
//
// Hues are spaced evenly around the HSV wheel by the number of unique classes,
// in ascending class order, so the same set of classes always gets the same
// colours and no two classes share one.
//
// Arguments:
//   - classes: Class indices, possibly repeated.
//
// Returns:
//   - map[int]color.Color: One colour per unique class.
func Palette(classes []int) map[int]color.Color {
	seen := make(map[int]struct{}, len(classes))
	unique := make([]int, 0, len(classes))
	for _, c := range classes {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}
	sort.Ints(unique)

	out := make(map[int]color.Color, len(unique))
	for i, c := range unique {
		hue := 360 * float64(i) / float64(len(unique))
		out[c] = colorful.Hsv(hue, paletteSat, paletteValue)
	}
	return out
}

// Box is one rectangle drawn on an overlay.
type Box struct {
	// Rect is the outline in image pixels.
	Rect image.Rectangle
	// Class is the class index of the detection.
	Class int
	// Label is the text drawn above the box.
	Label string
	// Color is the outline and label background colour.
	Color color.Color
}

// Overlay is an image with detections drawn on it.
type Overlay struct {
	// Image is a copy of the source with boxes and labels drawn.
	Image image.Image
	// Boxes lists what was drawn, in detection order.
	Boxes []Box
}

// Render draws one labelled rectangle per detection on a copy of img.
//
// Arguments:
//   - img: The source image. It is not modified.
//   - dets: Detections in img pixels.
//   - names: Resolves class indices to labels.
//
// Returns:
//   - *Overlay: The rendered copy and the boxes drawn.
//
// @example
// overlay := visualize.Render(img, res.Detections, models.YOLOClasses)
// err := overlay.SavePNG("out/dog.png")
func Render(img image.Image, dets []postprocess.Detection, names models.OutputClassSet) *Overlay {
	dc := gg.NewContextForImage(img)

	classes := make([]int, len(dets))
	for i, d := range dets {
		classes[i] = d.Class
	}
	palette := Palette(classes)

	size := float64(max(minFontSize, img.Bounds().Dy()/fontSizeRatio))
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))

	overlay := &Overlay{Boxes: make([]Box, 0, len(dets))}
	for _, d := range dets {
		box := Box{
			Rect:  d.Box.ToRectangle(),
			Class: d.Class,
			Label: fmt.Sprintf("%s %.2f", names.Name(d.Class), d.ClassConfidence),
			Color: palette[d.Class],
		}
		drawBox(dc, box)
		overlay.Boxes = append(overlay.Boxes, box)
	}

	overlay.Image = dc.Image()
	return overlay
}

func drawBox(dc *gg.Context, b Box) {
	r := b.Rect

	dc.SetColor(b.Color)
	dc.SetLineWidth(LineWidth)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()

	tw, th := dc.MeasureString(b.Label)
	w, h := tw+2*labelPadding, th+2*labelPadding

	// Above the box, or inside it when there is no room at the top.
	x, y := float64(r.Min.X), float64(r.Min.Y)-h
	if y < 0 {
		y = float64(r.Min.Y)
	}

	dc.DrawRectangle(x, y, w, h)
	dc.Fill()

	dc.SetColor(color.White)
	dc.DrawStringAnchored(b.Label, x+labelPadding, y+labelPadding, 0, 1)
}

// SavePNG writes the overlay image to path.
func (o *Overlay) SavePNG(path string) error {
	if err := gg.SavePNG(path, o.Image); err != nil {
		return errors.Wrapf(err, "save overlay to %s", path)
	}
	return nil
}
