package image

import (
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
)

// NamePrefix is the fixed artifact-name prefix the feeder build pipeline
// produces; anything else is rejected before a byte is downloaded.
const NamePrefix = "adsb-im-"

const compressedSuffix = ".xz"

// Resolved describes a cached, decompressed image ready to stage.
type Resolved struct {
	URL            string
	CanonicalName  string // decompressed file name, searched for in boot pages
	Platform       string
	CompressedPath string
	Path           string // decompressed image path
}

// Resolver downloads and decompresses image artifacts into a local cache.
// Resolve is re-entrant: a cached, already-decompressed image short-circuits
// both the download and the decompression.
type Resolver struct {
	fs       afero.Fs
	cacheDir string
	client   *retryablehttp.Client
}

func NewResolver(fs afero.Fs, cacheDir string) *Resolver {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	return &Resolver{
		fs:       fs,
		cacheDir: cacheDir,
		client:   client,
	}
}

// CanonicalName derives the decompressed image name from an artifact URL.
func CanonicalName(imageURL string) (string, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", errors.Wrap(err, "parse image url")
	}
	name := path.Base(u.Path)
	if !strings.HasPrefix(name, NamePrefix) {
		return "", errors.Errorf("image name %q does not start with %q", name, NamePrefix)
	}
	if !strings.HasSuffix(name, compressedSuffix) {
		return "", errors.Errorf("image name %q is not an %s artifact", name, compressedSuffix)
	}
	return strings.TrimSuffix(name, compressedSuffix), nil
}

// Platform extracts the platform identifier from a canonical image name,
// e.g. "adsb-im-raspberrypi64-v2.3.1.img" -> "raspberrypi64".
func Platform(canonicalName string) string {
	rest := strings.TrimPrefix(canonicalName, NamePrefix)
	if idx := strings.IndexByte(rest, '-'); idx > 0 {
		return rest[:idx]
	}
	return strings.TrimSuffix(rest, ".img")
}

// Describe derives the cache paths and platform for imageURL without
// touching the network.
func (r *Resolver) Describe(imageURL string) (*Resolved, error) {
	canonical, err := CanonicalName(imageURL)
	if err != nil {
		return nil, &DownloadError{URL: imageURL, Err: err}
	}

	return &Resolved{
		URL:            imageURL,
		CanonicalName:  canonical,
		Platform:       Platform(canonical),
		CompressedPath: filepath.Join(r.cacheDir, canonical+compressedSuffix),
		Path:           filepath.Join(r.cacheDir, canonical),
	}, nil
}

// Resolve fetches and decompresses the artifact at imageURL, reusing
// anything already present in the cache.
func (r *Resolver) Resolve(imageURL string) (*Resolved, error) {
	resolved, err := r.Describe(imageURL)
	if err != nil {
		return nil, err
	}

	if ok, _ := afero.Exists(r.fs, resolved.Path); ok {
		logger.Debug("image already decompressed", zap.String("path", resolved.Path))
		return resolved, nil
	}

	if ok, _ := afero.Exists(r.fs, resolved.CompressedPath); !ok {
		if err := r.download(imageURL, resolved.CompressedPath); err != nil {
			return nil, &DownloadError{URL: imageURL, Err: err}
		}
	}

	if err := r.Decompress(resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

// Decompress re-creates the decompressed image from the cached compressed
// artifact. Used by Resolve and again by the full-rebuild recovery path,
// which needs a pristine image rather than the working copy.
func (r *Resolver) Decompress(resolved *Resolved) error {
	in, err := r.fs.Open(resolved.CompressedPath)
	if err != nil {
		return &StagingError{Step: "open compressed image", Err: err}
	}
	defer in.Close()

	xzr, err := xz.NewReader(in)
	if err != nil {
		return &StagingError{Step: "read xz header", Err: err}
	}

	tmpPath := resolved.Path + ".partial"
	out, err := r.fs.Create(tmpPath)
	if err != nil {
		return &StagingError{Step: "create decompressed image", Err: err}
	}

	written, err := io.Copy(out, xzr)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		r.fs.Remove(tmpPath)
		return &StagingError{Step: "decompress image", Err: err}
	}
	if err := r.fs.Rename(tmpPath, resolved.Path); err != nil {
		return &StagingError{Step: "finalize decompressed image", Err: err}
	}

	logger.Info("image decompressed",
		zap.String("name", resolved.CanonicalName),
		zap.String("size", bytefmt.ByteSize(uint64(written))))
	return nil
}

func (r *Resolver) download(imageURL, dest string) error {
	if err := r.fs.MkdirAll(r.cacheDir, 0755); err != nil {
		return errors.Wrap(err, "create cache dir")
	}

	logger.Info("downloading image", zap.String("url", imageURL))

	resp, err := r.client.Get(imageURL)
	if err != nil {
		return errors.Wrap(err, "get image")
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmpPath := dest + ".partial"
	out, err := r.fs.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "create cache file")
	}

	written, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		r.fs.Remove(tmpPath)
		return errors.Wrap(err, "save image")
	}
	if err := r.fs.Rename(tmpPath, dest); err != nil {
		return errors.Wrap(err, "finalize cache file")
	}

	logger.Info("image downloaded",
		zap.String("size", bytefmt.ByteSize(uint64(written))))
	return nil
}
