package registry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bilusteknoloji/wheelmirror/internal/registry"
)

func newTestPackageInfo() registry.PackageInfo {
	return registry.PackageInfo{
		Info: registry.Info{
			Name:           "six",
			Version:        "1.17.0",
			RequiresDist:   []string{`pytest; extra == "test"`},
			RequiresPython: ">=2.7, !=3.0.*, !=3.1.*, !=3.2.*",
		},
		URLs: []registry.File{
			{
				Filename:    "six-1.17.0-py2.py3-none-any.whl",
				URL:         "https://files.pythonhosted.org/six-1.17.0-py2.py3-none-any.whl",
				Size:        11475,
				PackageType: "bdist_wheel",
				Digests:     registry.Digests{SHA256: "4721f391ed90541fddacab5acf947aa0"},
			},
			{
				Filename:    "six-1.17.0.tar.gz",
				URL:         "https://files.pythonhosted.org/six-1.17.0.tar.gz",
				Size:        34041,
				PackageType: "sdist",
			},
			{
				// malformed wheel filename: must be skipped, not fail the release
				Filename:    "not-a-valid-wheel-name.whl",
				URL:         "https://files.pythonhosted.org/not-a-valid-wheel-name.whl",
				PackageType: "bdist_wheel",
			},
		},
	}
}

func encodeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()

	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encoding JSON response: %v", err)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) registry.Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return registry.New(
		registry.WithHTTPClient(srv.Client()),
		registry.WithBaseURL(srv.URL+"/pypi"),
	)
}

func TestFetchReleaseLatest(t *testing.T) {
	expected := newTestPackageInfo()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pypi/six/json" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)

			return
		}

		encodeJSON(t, w, expected)
	})

	release, err := client.FetchRelease(context.Background(), "six", "")
	if err != nil {
		t.Fatalf("FetchRelease() error: %v", err)
	}

	if release.Name != "six" || release.Version != "1.17.0" {
		t.Errorf("unexpected release: %+v", release)
	}

	if len(release.Wheels) != 1 {
		t.Fatalf("expected exactly 1 wheel (sdist and malformed entries dropped), got %d", len(release.Wheels))
	}

	if release.Wheels[0].SHA256 != "4721f391ed90541fddacab5acf947aa0" {
		t.Errorf("unexpected sha256: %s", release.Wheels[0].SHA256)
	}
}

func TestFetchReleasePinnedVersion(t *testing.T) {
	expected := newTestPackageInfo()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pypi/six/1.17.0/json" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)

			return
		}

		encodeJSON(t, w, expected)
	})

	release, err := client.FetchRelease(context.Background(), "six", "1.17.0")
	if err != nil {
		t.Fatalf("FetchRelease() error: %v", err)
	}

	if release.Version != "1.17.0" {
		t.Errorf("expected version 1.17.0, got %s", release.Version)
	}
}

func TestFetchDependencies(t *testing.T) {
	expected := newTestPackageInfo()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		encodeJSON(t, w, expected)
	})

	deps, err := client.FetchDependencies(context.Background(), "six", "1.17.0")
	if err != nil {
		t.Fatalf("FetchDependencies() error: %v", err)
	}

	if len(deps) != 1 || deps[0] != `pytest; extra == "test"` {
		t.Errorf("unexpected dependencies: %v", deps)
	}
}

func TestFetchReleaseNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	_, err := client.FetchRelease(context.Background(), "nonexistent-package-xyz", "")
	if err == nil {
		t.Fatal("expected error for non-existent package, got nil")
	}
}

func TestFetchReleaseServerErrorRetriesThenFails(t *testing.T) {
	var attempts int

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		http.Error(w, "internal server error", http.StatusInternalServerError)
	})

	_, err := client.FetchRelease(context.Background(), "some-package", "")
	if err == nil {
		t.Fatal("expected error for server error response, got nil")
	}

	if attempts < 2 {
		t.Errorf("expected at least 2 attempts (retry on 5xx), got %d", attempts)
	}
}

func TestFetchReleaseInvalidJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not json"))
	})

	_, err := client.FetchRelease(context.Background(), "some-package", "")
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}
