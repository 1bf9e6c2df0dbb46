// Package darknet - Darknet network topology (.cfg) and weight (.weights) readers.
package darknet

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

var (
	// ErrNoSections is returned when a topology file holds no sections at all.
	ErrNoSections = errors.New("darknet: topology has no sections")
	// ErrMissingNet is returned when the first section is not [net].
	ErrMissingNet = errors.New("darknet: first section must be [net]")
	// ErrOrphanOption is returned when an option appears before any section header.
	ErrOrphanOption = errors.New("darknet: option outside of a section")
)

// Section is one bracketed block of a Darknet topology file.
type Section struct {
	// Type is the name inside the brackets, e.g. "convolutional".
	Type string
	// Index is the position of the section in the file, [net] being 0.
	Index int
	// Options holds the key=value pairs of the block.
	Options map[string]string
}

// String returns the raw value for key, or def when the key is absent.
func (s *Section) String(key, def string) string {
	if v, ok := s.Options[key]; ok {
		return v
	}
	return def
}

// Int returns the integer value for key, or def when the key is absent.
//
// Arguments:
//   - key: The option name.
//   - def: The value to return when the option is absent.
//
// Returns:
//   - int: The parsed value.
//   - error: An error if the option is present but not an integer.
func (s *Section) Int(key string, def int) (int, error) {
	v, ok := s.Options[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "[%s] #%d: option %q", s.Type, s.Index, key)
	}
	return n, nil
}

// Float returns the floating point value for key, or def when the key is absent.
func (s *Section) Float(key string, def float64) (float64, error) {
	v, ok := s.Options[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "[%s] #%d: option %q", s.Type, s.Index, key)
	}
	return f, nil
}

// Ints returns a comma separated integer list for key. Absent keys yield nil.
func (s *Section) Ints(key string) ([]int, error) {
	v, ok := s.Options[key]
	if !ok || strings.TrimSpace(v) == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrapf(err, "[%s] #%d: option %q", s.Type, s.Index, key)
		}
		out = append(out, n)
	}
	return out, nil
}

// Config is a parsed Darknet topology file.
type Config struct {
	// Net is the leading [net] section with the input description.
	Net *Section
	// Layers are all sections following [net], in order.
	Layers []*Section
}

// InputSize returns the network input width, height and channel count.
//
// Returns:
//   - width, height, channels: The [net] dimensions (defaults 416, 416, 3).
//   - error: An error if any of them is malformed.
func (c *Config) InputSize() (width, height, channels int, err error) {
	if width, err = c.Net.Int("width", 416); err != nil {
		return 0, 0, 0, err
	}
	if height, err = c.Net.Int("height", 416); err != nil {
		return 0, 0, 0, err
	}
	if channels, err = c.Net.Int("channels", 3); err != nil {
		return 0, 0, 0, err
	}
	return width, height, channels, nil
}

// LoadConfig reads and parses a topology file from disk.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open topology %s", path)
	}
	defer f.Close()

	cfg, err := ParseConfig(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse topology %s", path)
	}
	return cfg, nil
}

// ParseConfig parses a Darknet topology description.
//
// The format is INI-like: "[type]" headers followed by "key=value" lines,
// where the same header repeats once per layer. Blank lines and lines
// starting with '#' or ';' are ignored.
//
// Arguments:
//   - r: The topology source.
//
// Returns:
//   - *Config: The [net] section and the ordered layer sections.
//   - error: An error if the source is malformed.
func ParseConfig(r io.Reader) (*Config, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read topology")
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		AllowNonUniqueSections: true,
		KeyValueDelimiters:     "=",
	}, src)
	if err != nil {
		return nil, errors.Wrap(err, "parse topology")
	}

	var sections []*Section
	for _, sec := range file.Sections() {
		if sec.Name() == ini.DefaultSection {
			if len(sec.Keys()) > 0 {
				return nil, errors.Wrapf(ErrOrphanOption, "%q", sec.Keys()[0].Name())
			}
			continue
		}
		sections = append(sections, &Section{
			Type:    strings.TrimSpace(sec.Name()),
			Index:   len(sections),
			Options: sec.KeysHash(),
		})
	}

	if len(sections) == 0 {
		return nil, ErrNoSections
	}
	if t := sections[0].Type; t != "net" && t != "network" {
		return nil, ErrMissingNet
	}

	return &Config{Net: sections[0], Layers: sections[1:]}, nil
}
