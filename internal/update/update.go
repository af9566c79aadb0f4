// Package update runs the incremental mirror refresh pipeline: stage a
// fresh resolve+download, preserve wheels from the current mirror that
// the new resolution no longer reaches, archive the current mirror,
// diff staging against it, write a portable diff package, then
// atomically swap staging in as the new live mirror.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bilusteknoloji/wheelmirror/internal/audit"
	"github.com/bilusteknoloji/wheelmirror/internal/downloader"
	"github.com/bilusteknoloji/wheelmirror/internal/index"
	"github.com/bilusteknoloji/wheelmirror/internal/registry"
	"github.com/bilusteknoloji/wheelmirror/internal/resolver"
	"github.com/bilusteknoloji/wheelmirror/internal/wheel"
	"github.com/bilusteknoloji/wheelmirror/internal/wheelcache"
)

const timestampLayout = "20060102T150405Z"

// Diff is the four-set comparison between a mirror's previous and new
// state.
type Diff struct {
	AddedWheels   []string `json:"added_wheels"`
	RemovedWheels []string `json:"removed_wheels"`
	ChangedIndex  []string `json:"changed_index"`
	AddedIndex    []string `json:"added_index"`
}

// Result summarizes a completed update run.
type Result struct {
	Timestamp string
	DiffDir   string
	Diff      Diff
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBaseURL passes through to the index emitter.
func WithBaseURL(url string) Option {
	return func(p *Pipeline) { p.baseURL = url }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithDownloaderOptions passes additional options through to each
// staging download (HTTP client, cache, object store, worker count).
func WithDownloaderOptions(opts ...downloader.Option) Option {
	return func(p *Pipeline) { p.downloaderOpts = append(p.downloaderOpts, opts...) }
}

// WithAuditRecorder attaches an operational history/notification
// recorder. A nil recorder (the default) means no history row is
// written and no Kafka event is published; either way the pipeline's
// correctness is unaffected.
func WithAuditRecorder(rec *audit.Recorder) Option {
	return func(p *Pipeline) { p.audit = rec }
}

// Pipeline orchestrates one mirror update run.
type Pipeline struct {
	mirrorDir       string
	archivesDir     string
	diffsDir        string
	resolve         *resolver.Resolver
	runtimeVersions []string
	platforms       []string
	baseURL         string
	downloaderOpts  []downloader.Option
	audit           *audit.Recorder
	logger          *slog.Logger
}

// New creates an update pipeline rooted at mirrorDir, archiving to
// archivesDir and writing diff packages to diffsDir. res is used to
// resolve the wishlist; runtimeVersions/platforms select which wheels
// the staging download fetches.
func New(mirrorDir, archivesDir, diffsDir string, res *resolver.Resolver, runtimeVersions, platforms []string, opts ...Option) *Pipeline {
	p := &Pipeline{
		mirrorDir:       mirrorDir,
		archivesDir:     archivesDir,
		diffsDir:        diffsDir,
		resolve:         res,
		runtimeVersions: runtimeVersions,
		platforms:       platforms,
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Run executes the seven-step update pipeline for wishlist and returns
// the diff summary. The live mirror is left untouched until the final
// atomic swap; any failure before that point discards the staging
// tree.
func (p *Pipeline) Run(ctx context.Context, wishlist []string) (*Result, error) {
	timestamp := time.Now().UTC().Format(timestampLayout)

	staging, err := os.MkdirTemp(filepath.Dir(p.mirrorDir), "wheelmirror-staging-")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	closure, err := p.resolve.Resolve(ctx, wishlist)
	if err != nil {
		return nil, fmt.Errorf("resolving wishlist: %w", err)
	}

	stagingFiles := filepath.Join(staging, "files")
	if err := os.MkdirAll(stagingFiles, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging files dir: %w", err)
	}

	requests, unsafe := downloader.SelectRequests(closure, p.runtimeVersions, p.platforms)
	for _, name := range unsafe {
		p.logger.Warn("dropped unsafe wheel filename", slog.String("filename", name))
	}

	dl := downloader.New(stagingFiles, p.downloaderOpts...)
	if _, err := dl.Download(ctx, requests); err != nil {
		return nil, fmt.Errorf("downloading staged wheels: %w", err)
	}

	unionClosure, err := p.preserveOldWheels(closure, stagingFiles)
	if err != nil {
		return nil, fmt.Errorf("preserving old wheels: %w", err)
	}

	if err := index.Build(unionClosure, staging, index.WithBaseURL(p.baseURL), index.WithLogger(p.logger)); err != nil {
		return nil, fmt.Errorf("emitting staging index: %w", err)
	}

	if err := p.archiveMirror(timestamp); err != nil {
		return nil, fmt.Errorf("archiving mirror: %w", err)
	}

	diff, err := computeDiff(p.mirrorDir, staging)
	if err != nil {
		return nil, fmt.Errorf("computing diff: %w", err)
	}

	diffDir := filepath.Join(p.diffsDir, timestamp)
	if err := writeDiffPackage(staging, diff, diffDir, timestamp); err != nil {
		return nil, fmt.Errorf("writing diff package: %w", err)
	}

	if err := p.apply(staging); err != nil {
		return nil, fmt.Errorf("applying update: %w", err)
	}

	p.logger.Info("mirror updated",
		slog.String("timestamp", timestamp),
		slog.Int("added_wheels", len(diff.AddedWheels)),
		slog.Int("removed_wheels", len(diff.RemovedWheels)),
	)

	if p.audit != nil {
		p.audit.RecordUpdate(ctx, audit.Entry{
			Timestamp:     timestamp,
			AddedWheels:   len(diff.AddedWheels),
			RemovedWheels: len(diff.RemovedWheels),
			ChangedIndex:  len(diff.ChangedIndex),
			AddedIndex:    len(diff.AddedIndex),
			DiffDir:       diffDir,
		})
	}

	return &Result{Timestamp: timestamp, DiffDir: diffDir, Diff: diff}, nil
}

// preserveOldWheels hardlinks (or copies) every wheel from the current
// mirror's files/ into stagingFiles that the fresh download didn't
// already produce, then extends closure with a minimal reconstructed
// ResolvedPackage for every such wheel that the new resolution doesn't
// know about at all, so index emission still indexes it.
func (p *Pipeline) preserveOldWheels(closure resolver.ClosureMap, stagingFiles string) (resolver.ClosureMap, error) {
	oldFiles := filepath.Join(p.mirrorDir, "files")

	entries, err := os.ReadDir(oldFiles)
	if err != nil {
		if os.IsNotExist(err) {
			return closure, nil
		}

		return nil, fmt.Errorf("reading current mirror files dir: %w", err)
	}

	known := knownWheelFilenames(closure)

	union := make(resolver.ClosureMap, len(closure))
	for k, v := range closure {
		union[k] = v
	}

	cache, err := wheelcache.New(oldFiles, wheelcache.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".whl" {
			continue
		}

		filename := e.Name()

		if _, err := os.Stat(filepath.Join(stagingFiles, filename)); err == nil {
			continue
		}

		if _, ok := cache.LinkInto(stagingFiles, filename); !ok {
			p.logger.Warn("failed to preserve old wheel", slog.String("filename", filename))
			continue
		}

		if known[filename] {
			continue
		}

		pkg, ok := reconstructPackage(filename)
		if !ok {
			p.logger.Warn("could not reconstruct package from stale wheel filename", slog.String("filename", filename))
			continue
		}

		union[pkg.CanonicalName+"@"+pkg.Version] = pkg
	}

	return union, nil
}

func knownWheelFilenames(closure resolver.ClosureMap) map[string]bool {
	known := make(map[string]bool)

	for _, pkg := range closure {
		if !pkg.NeedsWheels {
			continue
		}

		for _, w := range pkg.Release.Wheels {
			known[w.Filename] = true
		}
	}

	return known
}

// reconstructPackage builds a minimal ResolvedPackage from a bare wheel
// filename left over from a previous build, so an artifact the current
// wishlist no longer reaches still appears in the index.
func reconstructPackage(filename string) (*resolver.ResolvedPackage, bool) {
	name, version, _, tag, err := wheel.ParseFilename(filename)
	if err != nil {
		return nil, false
	}

	w := wheel.File{Filename: filename, Tag: tag}

	return &resolver.ResolvedPackage{
		CanonicalName: name,
		Version:       version,
		NeedsWheels:   true,
		Release:       registry.Release{Name: name, Version: version, Wheels: []wheel.File{w}},
	}, true
}

func (p *Pipeline) archiveMirror(timestamp string) error {
	dest := filepath.Join(p.archivesDir, timestamp)

	if _, err := os.Stat(p.mirrorDir); os.IsNotExist(err) {
		return os.MkdirAll(dest, 0o755)
	}

	return copyTree(p.mirrorDir, dest)
}

func (p *Pipeline) apply(staging string) error {
	if err := os.RemoveAll(p.mirrorDir); err != nil {
		return fmt.Errorf("removing old mirror: %w", err)
	}

	if err := os.Rename(staging, p.mirrorDir); err != nil {
		if copyErr := copyTree(staging, p.mirrorDir); copyErr != nil {
			return fmt.Errorf("swapping staging into place: %w", copyErr)
		}
	}

	return nil
}

func computeDiff(oldMirror, newMirror string) (Diff, error) {
	oldWheels, err := wheelSHAMap(filepath.Join(oldMirror, "files"))
	if err != nil {
		return Diff{}, err
	}

	newWheels, err := wheelSHAMap(filepath.Join(newMirror, "files"))
	if err != nil {
		return Diff{}, err
	}

	oldIndex, err := indexContentMap(filepath.Join(oldMirror, "simple"))
	if err != nil {
		return Diff{}, err
	}

	newIndex, err := indexContentMap(filepath.Join(newMirror, "simple"))
	if err != nil {
		return Diff{}, err
	}

	var diff Diff

	for name := range newWheels {
		if _, ok := oldWheels[name]; !ok {
			diff.AddedWheels = append(diff.AddedWheels, name)
		}
	}

	for name := range oldWheels {
		if _, ok := newWheels[name]; !ok {
			diff.RemovedWheels = append(diff.RemovedWheels, name)
		}
	}

	for rel, newSHA := range newIndex {
		oldSHA, ok := oldIndex[rel]
		if !ok {
			diff.AddedIndex = append(diff.AddedIndex, rel)
		} else if oldSHA != newSHA {
			diff.ChangedIndex = append(diff.ChangedIndex, rel)
		}
	}

	sort.Strings(diff.AddedWheels)
	sort.Strings(diff.RemovedWheels)
	sort.Strings(diff.ChangedIndex)
	sort.Strings(diff.AddedIndex)

	return diff, nil
}

func wheelSHAMap(dir string) (map[string]string, error) {
	result := make(map[string]string)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}

		return nil, err
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".whl" {
			continue
		}

		sha, err := sha256File(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}

		result[e.Name()] = sha
	}

	return result, nil
}

func indexContentMap(simpleDir string) (map[string]string, error) {
	result := make(map[string]string)

	if _, err := os.Stat(simpleDir); os.IsNotExist(err) {
		return result, nil
	}

	err := filepath.WalkDir(simpleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || d.Name() != "index.json" {
			return nil
		}

		rel, err := filepath.Rel(simpleDir, path)
		if err != nil {
			return err
		}

		sha, err := sha256File(path)
		if err != nil {
			return err
		}

		result[rel] = sha

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func writeDiffPackage(newMirror string, diff Diff, diffDir, timestamp string) error {
	if err := os.MkdirAll(diffDir, 0o755); err != nil {
		return fmt.Errorf("creating diff dir: %w", err)
	}

	if len(diff.AddedWheels) > 0 {
		dst := filepath.Join(diffDir, "files")
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}

		for _, name := range diff.AddedWheels {
			if err := copyFile(filepath.Join(newMirror, "files", name), filepath.Join(dst, name)); err != nil {
				return fmt.Errorf("copying added wheel %s: %w", name, err)
			}
		}
	}

	changedOrAdded := append(append([]string{}, diff.ChangedIndex...), diff.AddedIndex...)
	for _, rel := range changedOrAdded {
		src := filepath.Join(newMirror, "simple", rel)
		dst := filepath.Join(diffDir, "simple", rel)

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}

		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copying index file %s: %w", rel, err)
		}
	}

	topIndexSrc := filepath.Join(newMirror, "simple", "index.json")
	topIndexDst := filepath.Join(diffDir, "simple", "index.json")

	if _, err := os.Stat(topIndexSrc); err == nil {
		if _, err := os.Stat(topIndexDst); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(topIndexDst), 0o755); err != nil {
				return err
			}

			if err := copyFile(topIndexSrc, topIndexDst); err != nil {
				return fmt.Errorf("copying top-level project list: %w", err)
			}
		}
	}

	manifest, err := json.MarshalIndent(struct {
		Timestamp string   `json:"timestamp"`
		Diff
	}{Timestamp: timestamp, Diff: diff}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	if err := os.WriteFile(filepath.Join(diffDir, "manifest.json"), manifest, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	return os.WriteFile(filepath.Join(diffDir, "APPLY.md"), []byte(applyRunbook(diff, timestamp)), 0o644)
}

func applyRunbook(diff Diff, timestamp string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Mirror update - %s\n\n", timestamp)
	b.WriteString("## Summary\n\n")
	b.WriteString("| Change | Count |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| Wheels added | %d |\n", len(diff.AddedWheels))
	fmt.Fprintf(&b, "| Wheels removed | %d |\n", len(diff.RemovedWheels))
	fmt.Fprintf(&b, "| Index entries updated | %d |\n", len(diff.ChangedIndex))
	fmt.Fprintf(&b, "| Index entries added | %d |\n\n", len(diff.AddedIndex))

	b.WriteString("## Applying this update to the offline machine\n\n")
	b.WriteString("Transfer this entire directory to the offline machine, then run the commands below from the directory that contains your `mirror/` folder.\n\n")
	b.WriteString("```bash\n")
	fmt.Fprintf(&b, "DIFF=diffs/%s\n\n", timestamp)
	b.WriteString("# 1. Copy new/updated wheel files\n")
	b.WriteString("cp -r \"$DIFF/files/.\" mirror/files/\n\n")
	b.WriteString("# 2. Copy new/updated index entries\n")
	b.WriteString("cp -r \"$DIFF/simple/.\" mirror/simple/\n\n")

	if len(diff.RemovedWheels) > 0 {
		b.WriteString("# 3. Remove wheels that are no longer in the mirror\n")

		for _, name := range diff.RemovedWheels {
			fmt.Fprintf(&b, "rm -f mirror/files/%s\n", name)
		}

		b.WriteString("\n")
	}

	b.WriteString("```\n\n## Removed wheels\n\n")

	if len(diff.RemovedWheels) > 0 {
		for _, name := range diff.RemovedWheels {
			fmt.Fprintf(&b, "- `%s`\n", name)
		}
	} else {
		b.WriteString("_(none)_\n")
	}

	b.WriteString("\n## Added wheels\n\n")

	if len(diff.AddedWheels) > 0 {
		for _, name := range diff.AddedWheels {
			fmt.Fprintf(&b, "- `%s`\n", name)
		}
	} else {
		b.WriteString("_(none)_\n")
	}

	return b.String()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp := dst + ".tmp"

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)

		return err
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, dst)
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
