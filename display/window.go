// Package display shows rendered images in an OpenCV window.
package display

import (
	"image"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Window is a named on-screen window that shows one image at a time.
type Window struct {
	mu     sync.Mutex
	name   string
	window *gocv.Window
	wait   int
}

// NewWindow opens a window.
//
// Arguments:
//   - name: The window title.
//   - waitMillis: How long Show waits for a key press. Zero waits until a key is pressed.
//
// Returns:
//   - *Window: The window.
func NewWindow(name string, waitMillis int) *Window {
	return &Window{
		name:   name,
		window: gocv.NewWindow(name),
		wait:   waitMillis,
	}
}

// Show displays img under title and blocks until a key is pressed or the wait elapses.
//
// Returns:
//   - int: The key code, or -1 when the wait elapsed without a key.
//   - error: An error if the image cannot be converted or the window is closed.
func (w *Window) Show(title string, img image.Image) (int, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return -1, errors.Wrap(err, "convert image")
	}
	defer mat.Close()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.window == nil {
		return -1, errors.Errorf("window %q is closed", w.name)
	}
	w.window.SetWindowTitle(title)
	w.window.IMShow(mat)
	return w.window.WaitKey(w.wait), nil
}

// Close destroys the window.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.window == nil {
		return nil
	}
	err := w.window.Close()
	w.window = nil
	return err
}
