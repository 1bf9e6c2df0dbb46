// Package controller - tests for the batch driver
package controller

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nvr-ai/go-yolov3/inference"
	"github.com/nvr-ai/go-yolov3/models"
	"github.com/nvr-ai/go-yolov3/profiler"
	"github.com/nvr-ai/go-yolov3/test"
	"github.com/nvr-ai/go-yolov3/util"
)

// TestMain verifies that no goroutines outlive the tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockDisplay records what would have been shown.
type MockDisplay struct {
	titles []string
	boxes  []image.Rectangle
	err    error
}

func (m *MockDisplay) Show(title string, img image.Image) (int, error) {
	if m.err != nil {
		return -1, m.err
	}
	m.titles = append(m.titles, title)
	m.boxes = append(m.boxes, img.Bounds())
	return -1, nil
}

func writeImages(t *testing.T, sizes map[string]image.Point) string {
	t.Helper()
	dir := t.TempDir()
	for name, size := range sizes {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, test.NewMockImageGenerator(size.X, size.Y).Gradient()))
		require.NoError(t, f.Close())
	}
	return dir
}

func engine(t *testing.T) (inference.Engine, *test.MockProvider) {
	t.Helper()
	p := test.NewMockProvider(image.Pt(416, 416), 80,
		test.Candidate(100, 200, 80, 120, 0.99, 16, 80),
		test.Candidate(300, 150, 200, 90, 0.93, 1, 80),
		test.Candidate(20, 20, 10, 10, 0.3, 7, 80),
	)
	e, err := inference.NewEngineBuilder().WithExecutionProvider(p).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, p
}

// TestRunDirectory tests the console lines, rendering, display and profiling of a run.
func TestRunDirectory(t *testing.T) {
	dir := writeImages(t, map[string]image.Point{
		"b-dog.png":     {768, 576},
		"a-giraffe.png": {500, 333},
	})
	out := filepath.Join(t.TempDir(), "rendered")

	e, p := engine(t)
	rp, err := profiler.NewRuntimeProfiler()
	require.NoError(t, err)

	var console bytes.Buffer
	var results []ImageResult
	display := &MockDisplay{}
	c := New(e, Options{
		OutputDir: out,
		Display:   display,
		Out:       &console,
		Profiler:  rp,
		OnResult:  func(r ImageResult) { results = append(results, r) },
	})

	summary, err := c.RunDirectory(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, Summary{Images: 2, Objects: 4}, *summary)
	assert.Equal(t, 2, p.Calls())

	// Each detection is drawn exactly once.
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, r.Result.Count(), len(r.Overlay.Boxes))
	}
	assert.Equal(t, 1, results[0].File.Index)
	assert.Equal(t, 2, results[1].File.Index)

	lines := strings.Split(strings.TrimSpace(console.String()), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "Image 1: '"+filepath.Join(dir, "a-giraffe.png")+"'", lines[0])
	assert.Equal(t, "\t+ Label: dog, Conf: 1.00000", lines[1])
	assert.Equal(t, "\t+ Label: bicycle, Conf: 1.00000", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "2 objects detected in "+filepath.Join(dir, "a-giraffe.png")), lines[3])
	assert.Equal(t, "Image 2: '"+filepath.Join(dir, "b-dog.png")+"'", lines[4])

	assert.Equal(t, []string{filepath.Join(dir, "a-giraffe.png"), filepath.Join(dir, "b-dog.png")}, display.titles)
	assert.Equal(t, image.Rect(0, 0, 500, 333), display.boxes[0])

	for _, name := range []string{"a-giraffe.png", "b-dog.png"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err)
	}

	ops := map[string]int64{}
	for _, op := range rp.Operations() {
		ops[op.Name] = op.Count
	}
	assert.Equal(t, map[string]int64{
		profiler.OperationLoad:   1,
		profiler.OperationDecode: 2,
		profiler.OperationDetect: 2,
		profiler.OperationRender: 2,
	}, ops)
}

// TestRunIsRepeatable tests that two runs over the same image give the same detections.
func TestRunIsRepeatable(t *testing.T) {
	dir := writeImages(t, map[string]image.Point{"dog.png": {640, 480}})
	e, _ := engine(t)
	var results []ImageResult
	c := New(e, Options{
		Out:      &bytes.Buffer{},
		OnResult: func(r ImageResult) { results = append(results, r) },
	})

	_, err := c.RunDirectory(context.Background(), dir)
	require.NoError(t, err)
	_, err = c.RunDirectory(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, results[0].Result.Detections, results[1].Result.Detections)
}

// TestRunHandsOffEachResult tests that every outcome reaches the callback
// before the next image is processed and that the summary only counts.
func TestRunHandsOffEachResult(t *testing.T) {
	dir := writeImages(t, map[string]image.Point{
		"a.png": {320, 240},
		"b.png": {416, 416},
		"c.png": {200, 600},
	})
	files, err := util.ListDirectoryImageFiles(dir)
	require.NoError(t, err)

	e, p := engine(t)
	var seen []int
	c := New(e, Options{
		Out: &bytes.Buffer{},
		OnResult: func(r ImageResult) {
			// Forward has run exactly once per image handed off so far.
			assert.Equal(t, len(seen)+1, p.Calls())
			seen = append(seen, r.File.Index)
		},
	})

	summary, err := c.Run(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, Summary{Images: 3, Objects: 6}, *summary)

	// Without a callback nothing is retained.
	summary, err = New(e, Options{Out: &bytes.Buffer{}}).Run(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, Summary{Images: 3, Objects: 6}, *summary)
}

// TestRunStopsAtFirstFailure tests that an undecodable image ends the run.
func TestRunStopsAtFirstFailure(t *testing.T) {
	dir := writeImages(t, map[string]image.Point{"a.png": {64, 64}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jpg"), []byte("not a jpeg"), 0o644))
	e, _ := engine(t)

	files, err := util.ListDirectoryImageFiles(dir)
	require.NoError(t, err)

	summary, err := New(e, Options{Out: &bytes.Buffer{}}).Run(context.Background(), files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.jpg")
	assert.Equal(t, 1, summary.Images)
}

// TestRunPropagatesDisplayAndEngineErrors tests display, engine and context failures.
func TestRunPropagatesDisplayAndEngineErrors(t *testing.T) {
	dir := writeImages(t, map[string]image.Point{"a.png": {64, 64}})
	files, err := util.ListDirectoryImageFiles(dir)
	require.NoError(t, err)

	boom := errors.New("no display")
	e, _ := engine(t)
	_, err = New(e, Options{Out: &bytes.Buffer{}, Display: &MockDisplay{err: boom}}).Run(context.Background(), files)
	assert.True(t, errors.Is(err, boom), "got %v", err)

	failing := test.NewMockProvider(image.Pt(416, 416), 80).FailWith(errors.New("forward failed"))
	fe := inference.NewEngineBuilder().WithExecutionProvider(failing).MustBuild()
	_, err = New(fe, Options{Out: &bytes.Buffer{}}).Run(context.Background(), files)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := New(e, Options{Out: &bytes.Buffer{}}).Run(ctx, files)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, summary.Images)
}

// TestRunDirectoryErrors tests empty and missing image directories.
func TestRunDirectoryErrors(t *testing.T) {
	e, _ := engine(t)
	c := New(e, Options{Out: &bytes.Buffer{}, Names: models.YOLOClasses})

	_, err := c.RunDirectory(context.Background(), t.TempDir())
	assert.Error(t, err)

	_, err = c.RunDirectory(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
