package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestListDirectoryImageFiles tests that only image files are listed, sorted by name and numbered from 1.
func TestListDirectoryImageFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"giraffe.jpg", "dog.JPG", "eagle.png", "notes.txt", "scream.webp", "herd.bmp", "person.jpeg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755))

	files, err := ListDirectoryImageFiles(dir)
	require.NoError(t, err)

	var names []string
	for i, f := range files {
		assert.Equal(t, i+1, f.Index)
		names = append(names, filepath.Base(f.Path))
	}
	assert.Equal(t, []string{"dog.JPG", "eagle.png", "giraffe.jpg", "herd.bmp", "person.jpeg", "scream.webp"}, names)
}

// TestListDirectoryImageFilesErrors tests listing a directory that does not exist.
func TestListDirectoryImageFilesErrors(t *testing.T) {
	_, err := ListDirectoryImageFiles(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	files, err := ListDirectoryImageFiles(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

// TestIsImageFile tests extension matching regardless of case.
func TestIsImageFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"a.jpg", true},
		{"a.Jpeg", true},
		{"a.webp", true},
		{"a.gif", false},
		{"jpg", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsImageFile(tt.name))
		})
	}
}
