package illustration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/katsacademy/kats-core/internal/config"
)

// Store keeps generated page images on local disk and serves them under a
// stable URL prefix.
type Store struct {
	dir         string
	servePrefix string
	client      *http.Client
	log         *slog.Logger
}

func NewStore(cfg config.IllustrationConfig, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{
		dir:         cfg.CacheDir,
		servePrefix: cfg.ServePrefix,
		client:      &http.Client{Timeout: 60 * time.Second},
		log:         log.With(slog.String("component", "illustration-store")),
	}, nil
}

func (s *Store) Dir() string { return s.dir }

// LocalURL is the path under which a cached page is served.
func (s *Store) LocalURL(bookTitle string, pageIndex int) string {
	return s.servePrefix + "/" + Filename(bookTitle, pageIndex)
}

// Lookup reports whether a page image is already cached and returns its
// serving URL when it is.
func (s *Store) Lookup(bookTitle string, pageIndex int) (string, bool) {
	path := filepath.Join(s.dir, Filename(bookTitle, pageIndex))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return "", false
	}
	return s.LocalURL(bookTitle, pageIndex), true
}

// SaveFromURL downloads an image and files it under the page's cache key,
// returning the local serving URL. The write goes through a temp file so a
// half-downloaded image never shows up as a cache hit.
func (s *Store) SaveFromURL(ctx context.Context, bookTitle string, pageIndex int, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build image request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download image: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(s.dir, ".download_*")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close image file: %w", err)
	}

	final := filepath.Join(s.dir, Filename(bookTitle, pageIndex))
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("move image into cache: %w", err)
	}

	s.log.Info("cached illustration",
		slog.String("key", Key(bookTitle, pageIndex)),
		slog.String("url", s.LocalURL(bookTitle, pageIndex)))
	return s.LocalURL(bookTitle, pageIndex), nil
}
