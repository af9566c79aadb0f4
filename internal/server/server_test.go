package server_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bilusteknoloji/wheelmirror/internal/server"
)

func newTestMirror(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	simpleDir := filepath.Join(dir, "simple")
	clickDir := filepath.Join(simpleDir, "click")
	filesDir := filepath.Join(dir, "files")

	for _, d := range []string{simpleDir, clickDir, filesDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	writeFile(t, filepath.Join(simpleDir, "index.json"), `{"meta":{"api-version":"1.0"},"projects":[{"name":"click"}]}`)
	writeFile(t, filepath.Join(clickDir, "index.json"), `{"meta":{"api-version":"1.0"},"name":"click","files":[]}`)
	writeFile(t, filepath.Join(filesDir, "click-8.1.7-py3-none-any.whl"), "wheel bytes")

	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	server.New(newTestMirror(t)).Routes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestSimpleIndexServesProjectList(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/simple/")
	if err != nil {
		t.Fatalf("GET /simple/: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/vnd.pypi.simple.v1+json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestSimpleIndexMissingMirrorReturns503(t *testing.T) {
	mux := http.NewServeMux()
	server.New(t.TempDir()).Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/simple/")
	if err != nil {
		t.Fatalf("GET /simple/: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestProjectDetailServesCanonicalizedName(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/simple/Click/")
	if err != nil {
		t.Fatalf("GET /simple/Click/: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 (canonicalized lookup)", resp.StatusCode)
	}
}

func TestProjectDetailUnknownPackageReturns404(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/simple/does-not-exist/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFileServesWheel(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/files/click-8.1.7-py3-none-any.whl")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestFileRejectsNonWheelExtension(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/files/not-a-wheel.tar.gz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestFileMissingReturns404(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/files/missing-1.0.0-py3-none-any.whl")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFileRejectsPathTraversal(t *testing.T) {
	srv := newTestServer(t)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// An encoded slash smuggles an extra path segment into the
	// filename without tripping ServeMux's own dot-segment cleanup —
	// this exercises the handler's own base-name guard.
	resp, err := client.Get(srv.URL + "/files/subdir%2Fevil.whl")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a filename escaping the files directory", resp.StatusCode)
	}
}
