package downloader_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/bilusteknoloji/wheelmirror/internal/downloader"
)

func newTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return srv
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func TestDownloadSingle(t *testing.T) {
	content := []byte("fake wheel content for testing")
	hash := sha256Hex(content)

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir, downloader.WithHTTPClient(srv.Client()))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "testpkg",
			Version:  "1.0.0",
			URL:      srv.URL + "/testpkg-1.0.0-py3-none-any.whl",
			SHA256:   hash,
			Filename: "testpkg-1.0.0-py3-none-any.whl",
		},
	})
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	if results[0].Name != "testpkg" {
		t.Errorf("Name = %q, want %q", results[0].Name, "testpkg")
	}

	if results[0].Skipped {
		t.Error("expected a fresh download, not skipped")
	}

	if results[0].Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", results[0].Size, len(content))
	}

	wantPath := filepath.Join(dir, "testpkg-1.0.0-py3-none-any.whl")
	if results[0].FilePath != wantPath {
		t.Errorf("FilePath = %q, want %q", results[0].FilePath, wantPath)
	}

	got, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}

	if string(got) != string(content) {
		t.Errorf("file content mismatch")
	}

	if _, err := os.Stat(wantPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected .tmp file to be cleaned up after rename")
	}
}

func TestDownloadConcurrent(t *testing.T) {
	packages := []struct {
		name    string
		content []byte
	}{
		{"pkg-a", []byte("content of package a")},
		{"pkg-b", []byte("content of package b")},
		{"pkg-c", []byte("content of package c")},
	}

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range packages {
			if r.URL.Path == "/"+p.name+".whl" {
				_, _ = w.Write(p.content)
				return
			}
		}
		http.NotFound(w, r)
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir,
		downloader.WithHTTPClient(srv.Client()),
		downloader.WithMaxWorkers(3),
	)

	var requests []downloader.Request
	for _, p := range packages {
		requests = append(requests, downloader.Request{
			Name:     p.name,
			Version:  "1.0.0",
			URL:      srv.URL + "/" + p.name + ".whl",
			SHA256:   sha256Hex(p.content),
			Filename: p.name + "-1.0.0-py3-none-any.whl",
		})
	}

	results, err := mgr.Download(context.Background(), requests)
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	for i, r := range results {
		if r.Name != packages[i].name {
			t.Errorf("result[%d].Name = %q, want %q", i, r.Name, packages[i].name)
		}
	}
}

func TestDownloadSHA256Mismatch(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("actual content"))
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir, downloader.WithHTTPClient(srv.Client()))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "badpkg",
			Version:  "1.0.0",
			URL:      srv.URL + "/badpkg.whl",
			SHA256:   "0000000000000000000000000000000000000000000000000000000000000000",
			Filename: "badpkg-1.0.0-py3-none-any.whl",
		},
	})
	if err != nil {
		t.Fatalf("expected the batch to complete despite a hash mismatch, got error: %v", err)
	}

	if len(results) != 1 || !results[0].Failed {
		t.Fatalf("expected a single Failed result, got %+v", results)
	}

	if _, err := os.Stat(filepath.Join(dir, "badpkg-1.0.0-py3-none-any.whl")); !os.IsNotExist(err) {
		t.Error("expected the mismatched wheel to be absent from the target directory")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file %q was not cleaned up", e.Name())
		}
	}
}

func TestDownloadEmptySHA256Skips(t *testing.T) {
	content := []byte("some content no hash check")

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir, downloader.WithHTTPClient(srv.Client()))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "nohash",
			Version:  "1.0.0",
			URL:      srv.URL + "/nohash.whl",
			SHA256:   "",
			Filename: "nohash-1.0.0-py3-none-any.whl",
		},
	})
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestDownloadRetry(t *testing.T) {
	content := []byte("retry success content")
	hash := sha256Hex(content)

	var attempts atomic.Int32

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		_, _ = w.Write(content)
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir, downloader.WithHTTPClient(srv.Client()))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "retrypkg",
			Version:  "1.0.0",
			URL:      srv.URL + "/retrypkg.whl",
			SHA256:   hash,
			Filename: "retrypkg-1.0.0-py3-none-any.whl",
		},
	})
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDownloadRetriesExhausted(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir, downloader.WithHTTPClient(srv.Client()))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "failpkg",
			Version:  "1.0.0",
			URL:      srv.URL + "/failpkg.whl",
			SHA256:   "abc",
			Filename: "failpkg-1.0.0-py3-none-any.whl",
		},
	})
	if err != nil {
		t.Fatalf("expected the batch to complete after retries are exhausted, got error: %v", err)
	}

	if len(results) != 1 || !results[0].Failed {
		t.Fatalf("expected a single Failed result, got %+v", results)
	}

	if _, err := os.Stat(filepath.Join(dir, "failpkg-1.0.0-py3-none-any.whl")); !os.IsNotExist(err) {
		t.Error("expected the wheel to be absent from the target directory")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file %q was not cleaned up", e.Name())
		}
	}
}

func TestDownloadContextCanceled(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir, downloader.WithHTTPClient(srv.Client()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mgr.Download(ctx, []downloader.Request{
		{
			Name:     "canceled",
			Version:  "1.0.0",
			URL:      srv.URL + "/canceled.whl",
			SHA256:   "",
			Filename: "canceled-1.0.0-py3-none-any.whl",
		},
	})
	if err == nil {
		t.Fatal("expected context canceled error, got nil")
	}
}

func TestDownloadHTTPNotFound(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir, downloader.WithHTTPClient(srv.Client()))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "missing",
			Version:  "1.0.0",
			URL:      srv.URL + "/missing.whl",
			SHA256:   "",
			Filename: "missing-1.0.0-py3-none-any.whl",
		},
	})
	if err != nil {
		t.Fatalf("expected the batch to complete despite a 404, got error: %v", err)
	}

	if len(results) != 1 || !results[0].Failed {
		t.Fatalf("expected a single Failed result, got %+v", results)
	}

	if _, err := os.Stat(filepath.Join(dir, "missing-1.0.0-py3-none-any.whl")); !os.IsNotExist(err) {
		t.Error("expected the wheel to be absent from the target directory")
	}
}

func TestDownloadEmptyRequests(t *testing.T) {
	dir := t.TempDir()
	mgr := downloader.New(dir)

	results, err := mgr.Download(context.Background(), nil)
	if err != nil {
		t.Fatalf("Download(nil) error: %v", err)
	}

	if len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
}

func TestWithMaxWorkersIgnoresInvalid(t *testing.T) {
	content := []byte("test")
	hash := sha256Hex(content)

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir,
		downloader.WithHTTPClient(srv.Client()),
		downloader.WithMaxWorkers(0),
		downloader.WithMaxWorkers(-1),
	)

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "pkg",
			Version:  "1.0.0",
			URL:      srv.URL + "/pkg.whl",
			SHA256:   hash,
			Filename: "pkg-1.0.0-py3-none-any.whl",
		},
	})
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestWithHTTPClientIgnoresNil(t *testing.T) {
	content := []byte("test")

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir,
		downloader.WithHTTPClient(nil),
		downloader.WithHTTPClient(srv.Client()),
	)

	_, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "pkg",
			Version:  "1.0.0",
			URL:      srv.URL + "/pkg.whl",
			SHA256:   "",
			Filename: "pkg-1.0.0-py3-none-any.whl",
		},
	})
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
}

func TestWithLoggerIgnoresNil(t *testing.T) {
	dir := t.TempDir()
	_ = downloader.New(dir, downloader.WithLogger(nil))
}

// mockCache implements wheelcache.Store for testing LinkInto-based hits.
type mockCache struct {
	cached map[string][]byte // filename → content present in the cache
	puts   []string          // filenames that were Put
}

func newMockCache() *mockCache {
	return &mockCache{cached: make(map[string][]byte)}
}

func (c *mockCache) Get(filename, _ string) (string, bool) { return "", false }

func (c *mockCache) Put(srcPath, filename string) error {
	c.puts = append(c.puts, filename)
	return nil
}

func (c *mockCache) LinkInto(dir, filename string) (string, bool) {
	content, ok := c.cached[filename]
	if !ok {
		return "", false
	}

	dst := filepath.Join(dir, filename)
	if err := os.WriteFile(dst, content, 0o644); err != nil {
		return "", false
	}

	return dst, true
}

func TestDownloadCacheHit(t *testing.T) {
	content := []byte("cached wheel data")
	filename := "cached-1.0.0-py3-none-any.whl"

	mc := newMockCache()
	mc.cached[filename] = content

	dir := t.TempDir()
	mgr := downloader.New(dir, downloader.WithCache(mc))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "cached",
			Version:  "1.0.0",
			URL:      "http://should-not-be-called/cached.whl",
			SHA256:   sha256Hex(content),
			Filename: filename,
		},
	})
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	if !results[0].Skipped {
		t.Error("expected Skipped=true for a cache hit")
	}

	wantPath := filepath.Join(dir, filename)
	if results[0].FilePath != wantPath {
		t.Errorf("FilePath = %q, want %q", results[0].FilePath, wantPath)
	}

	if results[0].Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", results[0].Size, len(content))
	}
}

func TestDownloadCacheMissThenPut(t *testing.T) {
	content := []byte("fresh download")
	hash := sha256Hex(content)

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))

	mc := newMockCache()

	dir := t.TempDir()
	mgr := downloader.New(dir,
		downloader.WithHTTPClient(srv.Client()),
		downloader.WithCache(mc),
	)

	filename := "fresh-1.0.0-py3-none-any.whl"

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "fresh",
			Version:  "1.0.0",
			URL:      srv.URL + "/fresh.whl",
			SHA256:   hash,
			Filename: filename,
		},
	})
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	if results[0].Skipped {
		t.Error("expected Skipped=false for a cache miss")
	}

	if len(mc.puts) != 1 || mc.puts[0] != filename {
		t.Errorf("expected Put(%q), got %v", filename, mc.puts)
	}
}

func TestDownloadNilCacheNoEffect(t *testing.T) {
	content := []byte("no cache content")
	hash := sha256Hex(content)

	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))

	dir := t.TempDir()
	mgr := downloader.New(dir, downloader.WithHTTPClient(srv.Client()))

	results, err := mgr.Download(context.Background(), []downloader.Request{
		{
			Name:     "pkg",
			Version:  "1.0.0",
			URL:      srv.URL + "/pkg.whl",
			SHA256:   hash,
			Filename: "pkg-1.0.0-py3-none-any.whl",
		},
	})
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	if results[0].Skipped {
		t.Error("expected Skipped=false with no cache configured")
	}
}
