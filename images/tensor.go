package images

import (
	"image"

	"gorgonia.org/tensor"
)

// ToTensor converts an image to a [1, 3, H, W] float32 tensor in RGB order
// with values scaled to [0, 1].
//
// Arguments:
//   - img: The image to convert, usually the output of Letterbox.Apply.
//
// Returns:
//   - *tensor.Dense: The CHW tensor backed by a fresh []float32.
func ToTensor(img image.Image) *tensor.Dense {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < height; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < width; x++ {
				i := y*width + x
				p := row[x*4:]
				data[i] = float32(p[0]) / 255
				data[plane+i] = float32(p[1]) / 255
				data[2*plane+i] = float32(p[2]) / 255
			}
		}
	} else {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				i := y*width + x
				data[i] = float32(r>>8) / 255
				data[plane+i] = float32(g>>8) / 255
				data[2*plane+i] = float32(bl>>8) / 255
			}
		}
	}

	return tensor.New(
		tensor.WithShape(1, 3, height, width),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(data),
	)
}

// TensorData returns the float32 backing of t.
func TensorData(t tensor.Tensor) []float32 {
	data, _ := t.Data().([]float32)
	return data
}
