// Package fetch downloads the model files the detector needs at setup time.
package fetch

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// WeightsURL is the pretrained YOLOv3 COCO weights blob.
	WeightsURL = "https://pjreddie.com/media/files/yolov3.weights"
	// ConfigURL is the matching Darknet topology.
	ConfigURL = "https://raw.githubusercontent.com/pjreddie/darknet/master/cfg/yolov3.cfg"
	// NamesURL lists the 80 COCO class names.
	NamesURL = "https://raw.githubusercontent.com/pjreddie/darknet/master/data/coco.names"
)

// Asset is a single file to download.
type Asset struct {
	// Name is the file name inside Dir.
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	// URL is any source go-getter understands.
	URL string `json:"url" yaml:"url" mapstructure:"url"`
	// Dir is the destination directory.
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`
	// Checksum is an optional "type:hex" digest, for example "sha256:...".
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty" mapstructure:"checksum"`
}

// Path returns the destination file path.
func (a Asset) Path() string {
	return filepath.Join(a.Dir, a.Name)
}

// source returns the URL with the checksum attached the way go-getter expects.
func (a Asset) source() (string, error) {
	if a.Checksum == "" {
		return a.URL, nil
	}
	u, err := url.Parse(a.URL)
	if err != nil {
		return "", errors.Wrapf(err, "parse %s", a.URL)
	}
	q := u.Query()
	q.Set("checksum", a.Checksum)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DefaultAssets returns the weights, topology and class names of the pretrained COCO model.
//
// Arguments:
//   - dir: The directory the files are placed in.
//
// Returns:
//   - []Asset: The weights, cfg and names assets, in that order.
func DefaultAssets(dir string) []Asset {
	return []Asset{
		{Name: "yolov3.weights", URL: WeightsURL, Dir: dir},
		{Name: "yolov3.cfg", URL: ConfigURL, Dir: dir},
		{Name: "coco.names", URL: NamesURL, Dir: dir},
	}
}

// Fetcher downloads assets that are not present yet.
type Fetcher struct {
	log *zap.SugaredLogger
}

// NewFetcher creates a fetcher. A nil logger is replaced with a no-op one.
func NewFetcher(log *zap.SugaredLogger) *Fetcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Fetcher{log: log}
}

// Ensure makes sure the asset exists at its destination.
//
// A present, non-empty file without a checksum is left alone. With a
// checksum, go-getter verifies the existing file and only downloads again
// when it does not match.
//
// Arguments:
//   - ctx: Cancels the download.
//   - asset: The file to ensure.
//
// Returns:
//   - string: The destination path.
//   - error: An error if the download or checksum verification fails.
func (f *Fetcher) Ensure(ctx context.Context, asset Asset) (string, error) {
	if asset.Name == "" || asset.URL == "" {
		return "", errors.Errorf("asset needs a name and a url, got %+v", asset)
	}

	dst := asset.Path()
	if info, err := os.Stat(dst); err == nil && info.Size() > 0 && asset.Checksum == "" {
		f.log.Debugw("asset present", "path", dst, "bytes", info.Size())
		return dst, nil
	}

	if err := os.MkdirAll(asset.Dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", asset.Dir)
	}

	src, err := asset.source()
	if err != nil {
		return "", err
	}

	pwd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "working directory")
	}

	f.log.Infow("fetching asset", "url", asset.URL, "path", dst)

	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Pwd:  pwd,
		Mode: getter.ClientModeFile,
	}
	if err := client.Get(); err != nil {
		return "", errors.Wrapf(err, "fetch %s", asset.URL)
	}

	return dst, nil
}

// EnsureAll ensures every asset in order and stops at the first failure.
func (f *Fetcher) EnsureAll(ctx context.Context, assets []Asset) ([]string, error) {
	paths := make([]string, 0, len(assets))
	for _, a := range assets {
		p, err := f.Ensure(ctx, a)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}
