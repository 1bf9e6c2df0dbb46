package models

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestYOLOClasses tests the built-in COCO list.
func TestYOLOClasses(t *testing.T) {
	assert.Equal(t, 80, YOLOClasses.Len())
	assert.Equal(t, "person", YOLOClasses.Name(0))
	assert.Equal(t, "dog", YOLOClasses.Name(16))
	assert.Equal(t, "toothbrush", YOLOClasses.Name(79))
	assert.Equal(t, "class_80", YOLOClasses.Name(80))
	assert.Equal(t, "class_-1", YOLOClasses.Name(-1))

	for i, c := range YOLOClasses.Classes {
		assert.Equal(t, i, c.Index)
	}
}

// TestParseClassNames tests that blank lines are skipped and an empty file is rejected.
func TestParseClassNames(t *testing.T) {
	names, err := ParseClassNames(strings.NewReader("cat\n\n  dog  \r\nbird\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog", "bird"}, names)

	_, err = ParseClassNames(strings.NewReader("\n \n"))
	assert.Error(t, err)
}

// TestLoadClassFile tests loading names from disk.
func TestLoadClassFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj.names")
	require.NoError(t, os.WriteFile(path, []byte("helmet\nvest\n"), 0o600))

	set, err := LoadClassFile(ModelFamilyCustom, path)
	require.NoError(t, err)
	assert.Equal(t, ModelFamilyCustom, set.Style)
	assert.Equal(t, []string{"helmet", "vest"}, set.Names())

	_, err = LoadClassFile(ModelFamilyCustom, filepath.Join(t.TempDir(), "missing.names"))
	assert.Error(t, err)
}
