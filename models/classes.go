package models

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// OutputClass represents one detection label.
type OutputClass struct {
	// The integer index returned by the model.
	Index int
	// The human-readable label.
	Name string
}

// OutputClassSet ties a model family to its full list of labels.
type OutputClassSet struct {
	// Class set identifier.
	Style ModelFamily
	// Classes that are supported and mappable, ordered by index.
	Classes []OutputClass
}

// NewOutputClassSet builds a zero-based class set from an ordered list of names.
func NewOutputClassSet(style ModelFamily, names []string) OutputClassSet {
	classes := make([]OutputClass, len(names))
	for i, n := range names {
		classes[i] = OutputClass{Index: i, Name: n}
	}
	return OutputClassSet{Style: style, Classes: classes}
}

// Name returns the label for idx, or a placeholder when idx is out of range.
func (s OutputClassSet) Name(idx int) string {
	if idx < 0 || idx >= len(s.Classes) {
		return "class_" + strconv.Itoa(idx)
	}
	return s.Classes[idx].Name
}

// Len returns the number of classes.
func (s OutputClassSet) Len() int {
	return len(s.Classes)
}

// Names returns the labels in index order.
func (s OutputClassSet) Names() []string {
	out := make([]string, len(s.Classes))
	for i, c := range s.Classes {
		out[i] = c.Name
	}
	return out
}

// ParseClassNames reads one class name per line. Blank lines are skipped.
//
// Arguments:
//   - r: The names source, usually a Darknet ".names" file.
//
// Returns:
//   - []string: The names in file order.
//   - error: An error if reading fails or no names were found.
func ParseClassNames(r io.Reader) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			names = append(names, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read class names")
	}
	if len(names) == 0 {
		return nil, errors.New("no class names found")
	}
	return names, nil
}

// LoadClassFile loads a Darknet ".names" file into a class set.
func LoadClassFile(style ModelFamily, path string) (OutputClassSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return OutputClassSet{}, errors.Wrapf(err, "open class file %s", path)
	}
	defer f.Close()

	names, err := ParseClassNames(f)
	if err != nil {
		return OutputClassSet{}, errors.Wrapf(err, "parse class file %s", path)
	}
	return NewOutputClassSet(style, names), nil
}

// YOLOClasses is the 80 COCO classes as spelled in Darknet's coco.names.
// YOLO models index directly into this zero-based list.
var YOLOClasses = NewOutputClassSet(ModelFamilyYOLO, []string{
	"person", "bicycle", "car", "motorbike", "aeroplane", "bus", "train", "truck",
	"boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra",
	"giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup",
	"fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "sofa",
	"pottedplant", "bed", "diningtable", "toilet", "tvmonitor", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
})
