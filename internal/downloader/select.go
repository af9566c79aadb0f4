package downloader

import (
	"path/filepath"
	"strings"

	"github.com/bilusteknoloji/wheelmirror/internal/resolver"
	"github.com/bilusteknoloji/wheelmirror/internal/wheel"
)

// Request describes a single wheel to fetch.
type Request struct {
	Name     string // package name
	Version  string // resolved version
	URL      string
	SHA256   string
	Filename string
}

// SelectRequests builds the set of download requests for a resolved
// closure: metadata-only packages (NeedsWheels = false) contribute
// nothing; target-serving packages contribute every wheel
// wheel.SelectForTargets deems useful. Candidate filenames that would
// escape the destination directory are not enqueued; their filenames are
// collected in the returned unsafe slice instead.
func SelectRequests(closure resolver.ClosureMap, runtimeVersions, platforms []string) (requests []Request, unsafe []string) {
	for _, pkg := range closure {
		if !pkg.NeedsWheels {
			continue
		}

		for _, w := range wheel.SelectForTargets(pkg.Release.Wheels, runtimeVersions, platforms) {
			if !filenameSafe(w.Filename) {
				unsafe = append(unsafe, w.Filename)
				continue
			}

			requests = append(requests, Request{
				Name:     pkg.CanonicalName,
				Version:  pkg.Version,
				URL:      w.URL,
				SHA256:   w.SHA256,
				Filename: w.Filename,
			})
		}
	}

	return requests, unsafe
}

// filenameSafe rejects any candidate wheel filename containing a path
// separator or ".." segment, so a maliciously crafted registry response
// can never write outside the destination directory.
func filenameSafe(filename string) bool {
	if filename == "" {
		return false
	}

	if strings.ContainsAny(filename, "/\\") {
		return false
	}

	if filename == "." || filename == ".." {
		return false
	}

	return filepath.Base(filename) == filename
}
