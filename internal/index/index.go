// Package index emits the PEP 691 JSON (and PEP 503 HTML) simple-index
// tree that a built or updated mirror serves to offline installers.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bilusteknoloji/wheelmirror/internal/marker"
	"github.com/bilusteknoloji/wheelmirror/internal/resolver"
	"github.com/bilusteknoloji/wheelmirror/internal/wheel"
)

const apiVersion = "1.0"

// Option configures Build.
type Option func(*builder)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBaseURL sets the absolute URL prefix file entries are rewritten
// against. Empty (the default) emits portable relative URLs instead.
func WithBaseURL(url string) Option {
	return func(b *builder) {
		b.baseURL = strings.TrimSuffix(url, "/")
	}
}

type projectList struct {
	Meta     meta      `json:"meta"`
	Projects []project `json:"projects"`
}

type project struct {
	Name string `json:"name"`
}

type meta struct {
	APIVersion string `json:"api-version"`
}

type projectDetail struct {
	Meta  meta       `json:"meta"`
	Name  string     `json:"name"`
	Files []fileEntry `json:"files"`
}

type fileEntry struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes"`
	RequiresPython string            `json:"requires-python,omitempty"`
}

type builder struct {
	outputDir string
	baseURL   string
	logger    *slog.Logger
}

// Build writes the PEP 691/503 simple index for a resolved closure under
// outputDir/simple, and expects wheel bytes (for target-serving packages)
// to already be staged under outputDir/files.
func Build(closure resolver.ClosureMap, outputDir string, opts ...Option) error {
	b := &builder{outputDir: outputDir, logger: slog.Default()}

	for _, opt := range opts {
		opt(b)
	}

	simpleDir := filepath.Join(outputDir, "simple")
	filesDir := filepath.Join(outputDir, "files")

	if err := os.MkdirAll(simpleDir, 0o755); err != nil {
		return fmt.Errorf("creating simple dir: %w", err)
	}

	byName := groupByCanonicalName(closure)

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	list := projectList{Meta: meta{APIVersion: apiVersion}, Projects: make([]project, 0, len(names))}
	for _, name := range names {
		list.Projects = append(list.Projects, project{Name: name})
	}

	if err := writeJSON(filepath.Join(simpleDir, "index.json"), list); err != nil {
		return err
	}

	if err := writeHTML(filepath.Join(simpleDir, "index.html"), projectListHTML(list)); err != nil {
		return err
	}

	for _, name := range names {
		if err := b.writeProjectDetail(name, byName[name], simpleDir, filesDir); err != nil {
			return err
		}
	}

	b.logger.Info("wrote simple index", slog.Int("projects", len(names)))

	return nil
}

func groupByCanonicalName(closure resolver.ClosureMap) map[string][]*resolver.ResolvedPackage {
	byName := make(map[string][]*resolver.ResolvedPackage)

	for _, pkg := range closure {
		canonical := marker.NormalizeName(pkg.CanonicalName)
		byName[canonical] = append(byName[canonical], pkg)
	}

	for canonical, pkgs := range byName {
		byName[canonical] = sortPackagesByVersionDesc(pkgs)
	}

	return byName
}

// sortPackagesByVersionDesc orders same-name packages most-recent-version
// first, so that writeProjectDetail's dedup-by-filename keeps the newest
// release's file entry when two resolved versions happen to share a wheel
// filename.
func sortPackagesByVersionDesc(pkgs []*resolver.ResolvedPackage) []*resolver.ResolvedPackage {
	versions := make([]string, len(pkgs))
	for i, pkg := range pkgs {
		versions[i] = pkg.Version
	}

	ordered, err := resolver.SortVersionsDesc(versions)
	if err != nil || len(ordered) != len(pkgs) {
		return pkgs
	}

	byVersion := make(map[string]*resolver.ResolvedPackage, len(pkgs))
	for _, pkg := range pkgs {
		byVersion[pkg.Version] = pkg
	}

	sorted := make([]*resolver.ResolvedPackage, 0, len(pkgs))
	for _, v := range ordered {
		if pkg, ok := byVersion[v]; ok {
			sorted = append(sorted, pkg)
		}
	}

	return sorted
}

// writeProjectDetail merges every ResolvedPackage sharing a canonical
// name (distinct versions reached on different edges) and writes one
// project detail page. The project directory name is always the
// canonical form; before it is created, its absolute path must lie
// strictly under simpleDir, otherwise an error is returned.
// marker.NormalizeName collapses dots (so it never emits "..") but does
// not strip path separators.
func (b *builder) writeProjectDetail(canonical string, pkgs []*resolver.ResolvedPackage, simpleDir, filesDir string) error {
	projectDir := filepath.Join(simpleDir, canonical)

	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolving project dir for %s: %w", canonical, err)
	}

	absSimple, err := filepath.Abs(simpleDir)
	if err != nil {
		return fmt.Errorf("resolving simple dir: %w", err)
	}

	if !strings.HasPrefix(abs, absSimple+string(filepath.Separator)) {
		return fmt.Errorf("project directory for %q escapes simple root", canonical)
	}

	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("creating project dir for %s: %w", canonical, err)
	}

	seen := make(map[string]bool)

	var entries []fileEntry

	for _, pkg := range pkgs {
		for _, w := range pkg.Release.Wheels {
			if seen[w.Filename] {
				continue
			}
			seen[w.Filename] = true

			entry, ok := b.buildFileEntry(w, filesDir, pkg.NeedsWheels)
			if !ok {
				continue
			}

			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Filename < entries[j].Filename })

	detail := projectDetail{Meta: meta{APIVersion: apiVersion}, Name: canonical, Files: entries}

	if err := writeJSON(filepath.Join(projectDir, "index.json"), detail); err != nil {
		return err
	}

	return writeHTML(filepath.Join(projectDir, "index.html"), projectDetailHTML(detail))
}

// buildFileEntry follows the three index-honesty rules: target-serving
// wheels present on disk are served locally with a rewritten URL;
// metadata-only wheels point at the upstream URL; target-serving
// wheels absent from disk are omitted entirely rather than indexed as
// a broken link.
func (b *builder) buildFileEntry(w wheel.File, filesDir string, needsWheels bool) (fileEntry, bool) {
	wheelPath := filepath.Join(filesDir, w.Filename)

	var url, hash string

	switch {
	case needsWheels:
		info, err := os.Stat(wheelPath)
		if err != nil || info.IsDir() {
			return fileEntry{}, false
		}

		if b.baseURL != "" {
			url = b.baseURL + "/files/" + w.Filename
		} else {
			url = "../../files/" + w.Filename
		}

		hash = w.SHA256
		if hash == "" {
			computed, err := sha256File(wheelPath)
			if err != nil {
				b.logger.Warn("hashing staged wheel failed", slog.String("file", w.Filename), slog.String("error", err.Error()))
				return fileEntry{}, false
			}

			hash = computed
		}
	default:
		url = w.URL
		hash = w.SHA256
	}

	entry := fileEntry{Filename: w.Filename, URL: url, Hashes: map[string]string{}, RequiresPython: w.RequiresPython}
	if hash != "" {
		entry.Hashes["sha256"] = hash
	}

	return entry, true
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

func writeHTML(path, body string) error {
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

func projectListHTML(list projectList) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<body>\n")

	for _, p := range list.Projects {
		fmt.Fprintf(&b, "<a href=\"%s/\">%s</a><br>\n", p.Name, p.Name)
	}

	b.WriteString("</body>\n</html>")

	return b.String()
}

func projectDetailHTML(detail projectDetail) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<body>\n")

	for _, f := range detail.Files {
		url := f.URL
		if sha, ok := f.Hashes["sha256"]; ok && sha != "" && !strings.Contains(url, "#") {
			url = fmt.Sprintf("%s#sha256=%s", url, sha)
		}

		attrs := fmt.Sprintf("href=%q", url)
		if f.RequiresPython != "" {
			attrs += fmt.Sprintf(" data-requires-python=%q", f.RequiresPython)
		}

		fmt.Fprintf(&b, "<a %s>%s</a><br>\n", attrs, f.Filename)
	}

	b.WriteString("</body>\n</html>")

	return b.String()
}
