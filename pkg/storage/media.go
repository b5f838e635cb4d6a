// Package storage persists generated images under the media root.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/tryon-inference-proxy/pkg/metrics"
	"github.com/abdhe/tryon-inference-proxy/pkg/provider"
)

const (
	maxImageBytes   = 50 << 20
	createAttempts  = 5
	defaultDownload = 60 * time.Second
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Artifact is a persisted image.
type Artifact struct {
	Path  string // on disk
	URL   string // public location, e.g. /media/u1_c1_1700000000000.png
	Bytes int64
}

// MediaStore writes generated images to a local directory.
type MediaStore struct {
	root      string
	urlPrefix string
	client    *http.Client
	now       func() time.Time
	logger    *zap.Logger
}

// NewMediaStore creates root if needed.
func NewMediaStore(root, urlPrefix string, downloadTimeout time.Duration, logger *zap.Logger) (*MediaStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create media root: %w", err)
	}
	if downloadTimeout <= 0 {
		downloadTimeout = defaultDownload
	}
	return &MediaStore{
		root:      root,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
		client:    &http.Client{Timeout: downloadTimeout},
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Root returns the directory images are written to.
func (s *MediaStore) Root() string { return s.root }

// Save writes out to a new file named after the user, the catalog item and
// the current time. The file is always closed, and removed again if any
// step after its creation fails.
func (s *MediaStore) Save(ctx context.Context, userID, catalogID string, out provider.Output) (Artifact, error) {
	src, err := s.open(ctx, out)
	if err != nil {
		return Artifact{}, err
	}
	defer src.Close()

	f, name, err := s.create(userID, catalogID)
	if err != nil {
		return Artifact{}, err
	}
	full := f.Name()

	n, err := copyAndClose(f, src)
	if err != nil {
		if rmErr := os.Remove(full); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("storage: remove partial file", zap.String("path", full), zap.Error(rmErr))
		}
		return Artifact{}, fmt.Errorf("storage: write %s: %w", name, err)
	}

	metrics.MediaBytesWritten.Add(float64(n))
	return Artifact{
		Path:  full,
		URL:   path.Join(s.urlPrefix, name),
		Bytes: n,
	}, nil
}

func copyAndClose(f *os.File, src io.Reader) (n int64, err error) {
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	n, err = io.Copy(f, io.LimitReader(src, maxImageBytes+1))
	if err != nil {
		return n, err
	}
	if n > maxImageBytes {
		return n, fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	if n == 0 {
		return 0, errors.New("empty image")
	}
	return n, f.Sync()
}

// create opens a fresh file with O_EXCL, bumping the timestamp on collision.
func (s *MediaStore) create(userID, catalogID string) (*os.File, string, error) {
	ts := s.now().UnixMilli()
	for i := 0; i < createAttempts; i++ {
		name := FileName(userID, catalogID, ts+int64(i))
		f, err := os.OpenFile(filepath.Join(s.root, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("storage: create %s: %w", name, err)
		}
	}
	return nil, "", fmt.Errorf("storage: no free file name for %s/%s after %d attempts", userID, catalogID, createAttempts)
}

// open returns a reader over the image bytes, whatever form the provider
// returned them in.
func (s *MediaStore) open(ctx context.Context, out provider.Output) (io.ReadCloser, error) {
	switch {
	case len(out.Bytes) > 0:
		return io.NopCloser(bytes.NewReader(out.Bytes)), nil
	case strings.HasPrefix(out.URL, "data:"):
		return decodeDataURL(out.URL)
	case strings.HasPrefix(out.URL, "http://"), strings.HasPrefix(out.URL, "https://"):
		return s.download(ctx, out.URL)
	case out.URL == "":
		return nil, errors.New("storage: provider output is empty")
	default:
		return nil, fmt.Errorf("storage: unsupported image location %q", truncate(out.URL))
	}
}

func (s *MediaStore) download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: create download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("storage: download: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// decodeDataURL streams the payload of a base64 data: URL.
func decodeDataURL(u string) (io.ReadCloser, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(u, "data:"), ",")
	if !ok {
		return nil, errors.New("storage: malformed data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, errors.New("storage: data URL is not base64 encoded")
	}
	return io.NopCloser(base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload))), nil
}

// FileName builds the media file name for a generation.
func FileName(userID, catalogID string, unixMilli int64) string {
	return fmt.Sprintf("%s_%s_%d.png", sanitize(userID), sanitize(catalogID), unixMilli)
}

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "-")
	if s == "" {
		return "anon"
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
