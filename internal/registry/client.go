// Package registry talks to a PyPI-compatible JSON API to fetch release
// metadata and extract the wheel files available for a package version.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bilusteknoloji/wheelmirror/internal/wheel"
)

const (
	defaultBaseURL       = "https://pypi.org/pypi"
	defaultMaxInFlight   = 10
	maxRetries           = 3
	clientTimeout        = 30 * time.Second
	packageTypeBdistWhl  = "bdist_wheel"
)

// Client fetches release metadata from a PyPI-compatible index.
type Client interface {
	// FetchRelease retrieves the release metadata for name. If version is
	// empty, the registry's current "latest" release is returned.
	FetchRelease(ctx context.Context, name, version string) (*Release, error)

	// FetchDependencies returns the raw PEP 508 requirement strings
	// (Requires-Dist) declared by name@version.
	FetchDependencies(ctx context.Context, name, version string) ([]string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithBaseURL sets a custom base URL (useful for testing with httptest.Server,
// or for pointing at a private index).
func WithBaseURL(url string) Option {
	return func(s *Service) {
		if url != "" {
			s.baseURL = url
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxInFlight bounds the number of concurrent requests a single Service
// will issue, independent of how many goroutines call it concurrently.
func WithMaxInFlight(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// Service is the default Client implementation, backed by a JSON API such
// as pypi.org or a private devpi/Artifactory-style mirror.
type Service struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	sem        *semaphore.Weighted
}

var _ Client = (*Service)(nil)

// New creates a registry Service.
func New(opts ...Option) *Service {
	s := &Service{
		httpClient: &http.Client{Timeout: clientTimeout},
		baseURL:    defaultBaseURL,
		logger:     slog.Default(),
		sem:        semaphore.NewWeighted(defaultMaxInFlight),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// FetchRelease retrieves release metadata and extracts its wheel files.
func (s *Service) FetchRelease(ctx context.Context, name, version string) (*Release, error) {
	url := fmt.Sprintf("%s/%s/json", s.baseURL, name)
	if version != "" {
		url = fmt.Sprintf("%s/%s/%s/json", s.baseURL, name, version)
	}

	info, err := s.fetch(ctx, url, name)
	if err != nil {
		return nil, err
	}

	return &Release{
		Name:           info.Info.Name,
		Version:        info.Info.Version,
		RequiresDist:   info.Info.RequiresDist,
		RequiresPython: info.Info.RequiresPython,
		Wheels:         extractWheels(info.URLs),
	}, nil
}

// FetchDependencies returns the raw Requires-Dist strings for name@version.
// version may be empty to mean "latest".
func (s *Service) FetchDependencies(ctx context.Context, name, version string) ([]string, error) {
	release, err := s.FetchRelease(ctx, name, version)
	if err != nil {
		return nil, err
	}

	return release.RequiresDist, nil
}

// extractWheels keeps only entries whose filename ends in ".whl" and
// parses each filename into a wheel.File, matching
// original_source/jabberwocky/pypi.py's _extract_wheels: unparseable
// filenames are skipped rather than failing the whole release.
func extractWheels(files []File) []wheel.File {
	var out []wheel.File

	for _, f := range files {
		if !strings.HasSuffix(f.Filename, ".whl") {
			continue
		}

		_, _, _, tag, err := wheel.ParseFilename(f.Filename)
		if err != nil {
			continue
		}

		out = append(out, wheel.File{
			Filename:       f.Filename,
			URL:            f.URL,
			SHA256:         f.Digests.SHA256,
			RequiresPython: f.RequiresPython,
			Tag:            tag,
		})
	}

	return out
}

// fetch performs an HTTP GET with retry and exponential backoff, bounded by
// the Service's semaphore, then decodes the response. Only transient errors
// (5xx, network errors) are retried; permanent errors (404, bad JSON) return
// immediately.
func (s *Service) fetch(ctx context.Context, url, name string) (*PackageInfo, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring registry request slot for %s: %w", name, err)
	}
	defer s.sem.Release(1)

	var lastErr error

	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond
			s.logger.Debug("retrying registry request",
				slog.String("package", name),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetching %s: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		info, err := s.doRequest(ctx, url)
		if err == nil {
			return info, nil
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return nil, fmt.Errorf("fetching %s: %w", name, err)
		}

		lastErr = err
		s.logger.Debug("registry request failed",
			slog.String("package", name),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("fetching %s after %d attempts: %w", name, maxRetries, lastErr)
}

// retryableError wraps a transient error that fetch should retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (s *Service) doRequest(ctx context.Context, url string) (*PackageInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", url, err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("requesting %s: %w", url, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("package not found at %s", url)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &retryableError{err: fmt.Errorf("server error %d from %s", resp.StatusCode, url)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("reading response from %s: %w", url, err)}
	}

	var info PackageInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", url, err)
	}

	return &info, nil
}
