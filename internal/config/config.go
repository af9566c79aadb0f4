// Package config loads the [mirror] TOML configuration that drives a
// build or update run, and parses the plaintext wishlist format as a
// lighter-weight alternative to the packages list embedded in TOML.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level mirror configuration.
type Config struct {
	Mirror Mirror `toml:"mirror"`
}

// Mirror is the [mirror] table.
type Mirror struct {
	Packages       []string `toml:"packages"`
	PythonVersions []string `toml:"python_versions"`
	Platforms      []string `toml:"platforms"`
	OutputDir      string   `toml:"output_dir"`
	IndexURL       string   `toml:"index_url"`
	PyPIURL        string   `toml:"pypi_url"`
}

const (
	defaultOutputDir = "mirror"
	defaultIndexURL  = "https://pypi.org/simple"
	defaultPyPIURL   = "https://pypi.org/pypi"
)

// Load reads and parses a TOML config file at path, applying defaults
// for any field the file omits.
func Load(path string) (*Config, error) {
	var cfg Config

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg.Mirror)

	if err := validate(cfg.Mirror); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(m *Mirror) {
	if m.OutputDir == "" {
		m.OutputDir = defaultOutputDir
	}

	if m.IndexURL == "" {
		m.IndexURL = defaultIndexURL
	}

	if m.PyPIURL == "" {
		m.PyPIURL = defaultPyPIURL
	}
}

func validate(m Mirror) error {
	if len(m.Packages) == 0 {
		return fmt.Errorf("config: mirror.packages must list at least one package")
	}

	if len(m.PythonVersions) == 0 {
		return fmt.Errorf("config: mirror.python_versions must list at least one version")
	}

	if len(m.Platforms) == 0 {
		return fmt.Errorf("config: mirror.platforms must list at least one platform")
	}

	return nil
}

// ParseWishlist reads a plain wishlist file: one requirement per line,
// "#"-prefixed comments and blank lines ignored, surrounding whitespace
// trimmed. pythonVersions and platforms are not part of the wishlist
// file itself and must come from flags or a TOML config.
func ParseWishlist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wishlist %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var packages []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		packages = append(packages, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading wishlist %s: %w", path, err)
	}

	return packages, nil
}
