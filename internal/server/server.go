// Package server serves a built mirror over HTTP: the PEP 691 simple
// index (project list and per-project detail) and the wheel files
// themselves.
package server

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bilusteknoloji/wheelmirror/internal/marker"
)

const simpleContentType = "application/vnd.pypi.simple.v1+json"

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// Handler serves the simple index and wheel files out of mirrorDir.
type Handler struct {
	mirrorDir string
	logger    *slog.Logger
}

// New constructs a Handler rooted at mirrorDir (the directory
// containing simple/ and files/).
func New(mirrorDir string, opts ...Option) *Handler {
	h := &Handler{mirrorDir: mirrorDir, logger: slog.Default()}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Routes registers this handler's endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/simple/", h.simple)
	mux.HandleFunc("/files/", h.file)
}

// simple serves both the project-list page (/simple/) and per-project
// detail pages (/simple/{name}/), since both are indistinguishable by
// path shape until the project-name segment is inspected.
func (h *Handler) simple(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/simple/"), "/")

	var indexPath string

	if rest == "" {
		indexPath = filepath.Join(h.mirrorDir, "simple", "index.json")
	} else {
		canonical := marker.NormalizeName(rest)
		indexPath = filepath.Join(h.mirrorDir, "simple", canonical, "index.json")
	}

	data, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			if rest == "" {
				http.Error(w, "mirror not built yet", http.StatusServiceUnavailable)
				return
			}

			http.Error(w, "package not found in mirror", http.StatusNotFound)
			return
		}

		h.logger.Error("reading index file", slog.String("path", indexPath), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", simpleContentType)
	_, _ = w.Write(data)
}

// file serves a wheel out of mirrorDir/files. This is a wheel-only
// mirror: anything not ending in .whl is rejected, and the requested
// filename must resolve to a direct child of the files directory —
// no path traversal.
func (h *Handler) file(w http.ResponseWriter, r *http.Request) {
	filename := strings.TrimPrefix(r.URL.Path, "/files/")

	if !strings.HasSuffix(filename, ".whl") {
		http.Error(w, "only .whl files are served", http.StatusBadRequest)
		return
	}

	if filename != filepath.Base(filename) {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}

	filesDir := filepath.Join(h.mirrorDir, "files")
	path := filepath.Join(filesDir, filename)

	abs, err := filepath.Abs(path)
	if err != nil {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}

	absFilesDir, err := filepath.Abs(filesDir)
	if err != nil {
		h.logger.Error("resolving files directory", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	if !strings.HasPrefix(abs, absFilesDir+string(filepath.Separator)) {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}

	if _, err := os.Stat(abs); err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	http.ServeFile(w, r, abs)
}
