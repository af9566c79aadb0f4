package registry

import "github.com/bilusteknoloji/wheelmirror/internal/wheel"

// PackageInfo is the top-level response from a PyPI-compatible JSON API
// endpoint, GET {baseURL}/{name}/json or GET {baseURL}/{name}/{version}/json.
type PackageInfo struct {
	Info     Info             `json:"info"`
	URLs     []File           `json:"urls"`
	Releases map[string][]File `json:"releases"`
}

// Info carries the release-level metadata needed for resolution: the
// pinned-or-latest version, its PEP 508 dependency list, and its
// Requires-Python constraint.
type Info struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	RequiresDist   []string `json:"requires_dist"`
	RequiresPython string   `json:"requires_python"`
	Yanked         bool     `json:"yanked"`
	YankedReason   string   `json:"yanked_reason"`
}

// File is one downloadable distribution file (wheel or sdist) from the
// JSON API response.
type File struct {
	Filename       string  `json:"filename"`
	URL            string  `json:"url"`
	Size           int64   `json:"size"`
	PackageType    string  `json:"packagetype"` // "bdist_wheel" or "sdist"
	RequiresPython string  `json:"requires_python"`
	Digests        Digests `json:"digests"`
	Yanked         bool    `json:"yanked"`
}

// Digests carries the hash digests PyPI publishes for a distribution file.
type Digests struct {
	SHA256 string `json:"sha256"`
}

// Release is the registry data a resolver node needs: the wheels
// available for one (name, version), already filtered down from the raw
// API response's mixed wheel/sdist file list.
type Release struct {
	Name           string
	Version        string
	RequiresDist   []string
	RequiresPython string
	Wheels         []wheel.File
}
