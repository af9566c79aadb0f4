// Package marker parses PEP 508 requirement strings and evaluates their
// environment markers, including across the Cartesian product of a build's
// targets ("reachable on any target" evaluation).
package marker

import (
	"strings"

	"github.com/bilusteknoloji/wheelmirror/internal/target"
)

// Requirement is a parsed PEP 508 dependency specifier.
type Requirement struct {
	Name      string // normalized package name
	Specifier string // version specifier, e.g. ">=3.0,<4.0"
	Marker    string // environment marker, e.g. `sys_platform == "win32"`
}

// ParseRequirement parses a PEP 508 requirement string.
//
// Supported formats:
//
//	"flask"
//	"flask>=3.0"
//	"flask>=3.0,<4.0"
//	"flask (>=3.0)"
//	"importlib-metadata>=3.6.0; python_version < \"3.10\""
func ParseRequirement(s string) Requirement {
	marker := ""

	parts := strings.SplitN(s, ";", 2)
	nameSpec := strings.TrimSpace(parts[0])

	if len(parts) > 1 {
		marker = strings.TrimSpace(parts[1])
	}

	// Strip extras: package[extra1,extra2]
	if idx := strings.Index(nameSpec, "["); idx >= 0 {
		if endIdx := strings.Index(nameSpec, "]"); endIdx > idx {
			nameSpec = nameSpec[:idx] + nameSpec[endIdx+1:]
		}
	}

	// Strip parenthesized specifier: package (>=1.0)
	nameSpec = strings.NewReplacer("(", "", ")", "").Replace(nameSpec)
	nameSpec = strings.TrimSpace(nameSpec)

	// Split name from specifier at first operator char.
	specStart := strings.IndexAny(nameSpec, "><=!~")
	name := nameSpec
	specifier := ""

	if specStart >= 0 {
		name = strings.TrimSpace(nameSpec[:specStart])
		specifier = strings.TrimSpace(nameSpec[specStart:])
	}

	return Requirement{
		Name:      NormalizeName(name),
		Specifier: specifier,
		Marker:    marker,
	}
}

// NormalizeName normalizes a Python package name per PEP 503: lowercase,
// with runs of [-_.] collapsed to a single hyphen (P1).
func NormalizeName(name string) string {
	name = strings.ToLower(name)

	var b strings.Builder

	prevHyphen := false

	for i := range len(name) {
		switch name[i] {
		case '-', '_', '.':
			if !prevHyphen {
				b.WriteByte('-')
				prevHyphen = true
			}
		default:
			b.WriteByte(name[i])
			prevHyphen = false
		}
	}

	return b.String()
}

// ExtractPin returns the exact version pinned by an "==" specifier, or ""
// if the specifier carries no exact pin.
func ExtractPin(specifier string) string {
	for _, clause := range strings.Split(specifier, ",") {
		clause = strings.TrimSpace(clause)
		if strings.HasPrefix(clause, "==") {
			v := strings.TrimPrefix(clause, "==")
			return strings.TrimSpace(v)
		}
	}

	return ""
}

// ReachableAny reports whether marker evaluates true for at least one
// (runtime-version, platform) target in targets. An empty marker is always
// reachable. Evaluator failures are treated as reachable (conservative
// inclusion).
func ReachableAny(marker string, targets []target.Target) bool {
	if strings.TrimSpace(marker) == "" {
		return true
	}

	for _, t := range targets {
		if Eval(marker, EnvironmentFor(t)) {
			return true
		}
	}

	return false
}
