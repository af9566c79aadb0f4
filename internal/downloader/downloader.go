// Package downloader fetches the wheels a resolved closure needs,
// verifying each against its registry-reported SHA-256 digest before it
// is ever visible under its final name.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bilusteknoloji/wheelmirror/internal/objectstore"
	"github.com/bilusteknoloji/wheelmirror/internal/wheelcache"
)

const (
	maxRetries    = 3
	chunkSize     = 64 * 1024
	bodyTimeout   = 120 * time.Second
	contentType   = "application/zip" // wheels are zip archives
)

// retryableError wraps transient errors that should be retried.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Downloader fetches a batch of wheel requests into a directory.
type Downloader interface {
	Download(ctx context.Context, requests []Request) ([]Result, error)
}

// Result is the outcome of downloading (or skipping) a single wheel.
type Result struct {
	Name     string
	Version  string
	FilePath string
	Size     int64
	Skipped  bool // already present under its final name or in the wheel cache
	Failed   bool // transport failure, hash mismatch, or 404; omitted from the mirror
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxWorkers bounds concurrent wheel streams. Defaults to
// runtime.GOMAXPROCS(0).
func WithMaxWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxWorkers = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCache wires a wheel cache: requests already present in the cache
// (matched by filename only; the cached file's digest is not re-checked)
// are hardlinked into the destination instead of re-downloaded, and
// every freshly verified wheel is added to it.
func WithCache(c wheelcache.Store) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// WithObjectStore wires an optional alternate storage backend. Every
// verified wheel is pushed to it on a best-effort basis after local
// staging succeeds; failures are logged, never surfaced (local files/
// staging is always the correctness-bearing step).
func WithObjectStore(s objectstore.Store) Option {
	return func(m *Manager) {
		if s != nil {
			m.store = s
		}
	}
}

// WithProgressWriter sets where progress output is written (defaults to
// os.Stderr) and whether it should be treated as a terminal.
func WithProgressWriter(w io.Writer, isTTY bool) Option {
	return func(m *Manager) {
		if w != nil {
			m.progressOut = w
			m.progressTTY = isTTY
		}
	}
}

// Manager downloads wheel requests into targetDir using a bounded pool
// of concurrent streams.
type Manager struct {
	targetDir   string
	maxWorkers  int
	httpClient  *http.Client
	logger      *slog.Logger
	cache       wheelcache.Store
	store       objectstore.Store
	progressOut io.Writer
	progressTTY bool
}

var _ Downloader = (*Manager)(nil)

// New creates a Manager that downloads into targetDir, creating it if
// necessary.
func New(targetDir string, opts ...Option) *Manager {
	m := &Manager{
		targetDir:   targetDir,
		maxWorkers:  runtime.GOMAXPROCS(0),
		httpClient:  &http.Client{Timeout: bodyTimeout},
		logger:      slog.Default(),
		store:       objectstore.NullStore{},
		progressOut: os.Stderr,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Download fetches every request concurrently, skipping any whose final
// file already exists. Each stream is bounded by an overall concurrency
// cap (errgroup.SetLimit), verifies its SHA-256 against the expected
// digest (when present), and atomically renames into place.
func (m *Manager) Download(ctx context.Context, requests []Request) ([]Result, error) {
	if err := os.MkdirAll(m.targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory %s: %w", m.targetDir, err)
	}

	results := make([]Result, len(requests))
	prog := newProgress(m.progressOut, m.progressTTY, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxWorkers)

	for i, req := range requests {
		i, req := i, req

		g.Go(func() error {
			result, err := m.fetchOne(gctx, req, prog)
			if err != nil {
				return fmt.Errorf("downloading %s: %w", req.Filename, err)
			}

			results[i] = result

			return nil
		})
	}

	err := g.Wait()
	prog.finish()

	if err != nil {
		return nil, err
	}

	return results, nil
}

// fetchOne handles one request: skip-if-present, cache hit via hardlink, or
// a full retrying download. A per-wheel transport failure, hash mismatch,
// or non-retryable HTTP status is logged and reported as a Failed Result
// rather than returned as an error, so one bad wheel never aborts the rest
// of the batch — index.Build's P2 omission rule takes over for it. Only
// context cancellation and setup failures propagate as errors.
func (m *Manager) fetchOne(ctx context.Context, req Request, prog *progress) (Result, error) {
	destPath := filepath.Join(m.targetDir, req.Filename)

	if info, err := os.Stat(destPath); err == nil && !info.IsDir() {
		return Result{Name: req.Name, Version: req.Version, FilePath: destPath, Size: info.Size(), Skipped: true}, nil
	}

	if m.cache != nil {
		if linked, ok := m.cache.LinkInto(m.targetDir, req.Filename); ok {
			info, statErr := os.Stat(linked)
			size := int64(0)

			if statErr == nil {
				size = info.Size()
			}

			m.logger.Debug("wheel served from cache", slog.String("file", req.Filename))

			return Result{Name: req.Name, Version: req.Version, FilePath: linked, Size: size, Skipped: true}, nil
		}
	}

	prog.start(req.Filename)

	result, err := m.downloadWithRetry(ctx, req, destPath)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("download canceled: %w", ctx.Err())
		}

		prog.complete(req.Filename)
		m.logger.Error("wheel download failed, omitting from mirror",
			slog.String("file", req.Filename),
			slog.String("error", err.Error()),
		)

		return Result{Name: req.Name, Version: req.Version, Failed: true}, nil
	}

	prog.complete(req.Filename)

	if m.cache != nil {
		if err := m.cache.Put(destPath, req.Filename); err != nil {
			m.logger.Debug("wheel cache write failed", slog.String("file", req.Filename), slog.String("error", err.Error()))
		}
	}

	m.pushToObjectStore(ctx, req, destPath)

	return result, nil
}

func (m *Manager) pushToObjectStore(ctx context.Context, req Request, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Debug("object store push skipped: read failed", slog.String("file", req.Filename), slog.String("error", err.Error()))
		return
	}

	if err := m.store.Put(ctx, "wheels/"+req.Filename, data, contentType); err != nil {
		m.logger.Debug("object store push failed", slog.String("file", req.Filename), slog.String("error", err.Error()))
	}
}

func (m *Manager) downloadWithRetry(ctx context.Context, req Request, destPath string) (Result, error) {
	var lastErr error

	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond

			select {
			case <-ctx.Done():
				return Result{}, fmt.Errorf("download canceled: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		result, err := m.doDownload(ctx, req, destPath)
		if err == nil {
			return result, nil
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return Result{}, err
		}

		lastErr = err
		m.logger.Debug("download attempt failed",
			slog.String("file", req.Filename),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return Result{}, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}

// doDownload performs one attempt: GET → stream in chunkSize chunks into
// a sibling temp file while hashing → compare-on-EOF → atomic rename.
func (m *Manager) doDownload(ctx context.Context, req Request, destPath string) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, &retryableError{err: fmt.Errorf("requesting %s: %w", req.URL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL)
		if resp.StatusCode >= http.StatusInternalServerError {
			return Result{}, &retryableError{err: err}
		}

		return Result{}, err
	}

	tmpPath := destPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, fmt.Errorf("creating temp file: %w", err)
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)
	size, copyErr := io.CopyBuffer(io.MultiWriter(f, h), resp.Body, buf)

	if closeErr := f.Close(); closeErr != nil && copyErr == nil {
		copyErr = fmt.Errorf("closing temp file: %w", closeErr)
	}

	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return Result{}, &retryableError{err: fmt.Errorf("writing %s: %w", req.Filename, copyErr)}
	}

	if req.SHA256 != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if got != req.SHA256 {
			_ = os.Remove(tmpPath)
			return Result{}, fmt.Errorf("sha256 mismatch for %s: expected %s, got %s", req.Filename, req.SHA256, got)
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, fmt.Errorf("renaming %s: %w", req.Filename, err)
	}

	return Result{Name: req.Name, Version: req.Version, FilePath: destPath, Size: size}, nil
}
