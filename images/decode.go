package images

import (
	"bufio"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Decode reads an image in any of the registered formats.
//
// Returns:
//   - image.Image: The decoded image.
//   - string: The format name reported by the decoder.
//   - error: An error if the data is not a supported image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", errors.Wrap(err, "decode image")
	}
	if img.Bounds().Empty() {
		return nil, "", errors.New("decoded image is empty")
	}
	return img, format, nil
}

// Load reads and decodes an image file.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	defer f.Close()

	img, _, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return img, nil
}
