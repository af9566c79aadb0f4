package marker

import (
	"regexp"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Eval evaluates a single PEP 508 marker expression against one
// environment. Returns true for empty markers. Unparseable terms or
// evaluator failures are treated as satisfied (conservative inclusion).
func Eval(marker string, env Environment) bool {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return true
	}

	for _, orGroup := range splitOutside(marker, " or ") {
		allTrue := true

		for _, term := range splitOutside(strings.TrimSpace(orGroup), " and ") {
			if !evalTerm(strings.TrimSpace(term), env) {
				allTrue = false
				break
			}
		}

		if allTrue {
			return true
		}
	}

	return false
}

var markerTermRe = regexp.MustCompile(
	`^\s*([\w.]+|"[^"]*"|'[^']*')\s*(>=|<=|!=|==|~=|>|<|not\s+in|in)\s*([\w.]+|"[^"]*"|'[^']*')\s*$`,
)

// evalTerm evaluates a single marker term like `python_version >= "3.8"`.
func evalTerm(term string, env Environment) bool {
	m := markerTermRe.FindStringSubmatch(term)
	if m == nil {
		return true // unrecognized shape: assume satisfied (conservative)
	}

	leftTok := unquote(m[1])
	op := m[2]
	rightTok := unquote(m[3])

	left := resolveValue(leftTok, env)
	right := resolveValue(rightTok, env)

	if isVersionVariable(leftTok) || isVersionVariable(rightTok) {
		return compareVersion(left, op, right)
	}

	return compareString(left, op, right)
}

// resolveValue resolves a bare marker token (either a known environment
// variable name or a literal) to its value.
func resolveValue(token string, env Environment) string {
	if v, ok := env.lookup(token); ok {
		return v
	}

	return token
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}

	return s
}

func compareVersion(left, op, right string) bool {
	lv, err1 := pep440.Parse(left)
	rv, err2 := pep440.Parse(right)

	if err1 != nil || err2 != nil {
		return compareString(left, op, right)
	}

	cmp := lv.Compare(rv)

	switch op {
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "~=":
		return cmp >= 0
	default:
		return true
	}
}

func compareString(left, op, right string) bool {
	switch op {
	case "==":
		return left == right
	case "!=":
		return left != right
	case "in":
		return strings.Contains(right, left)
	case "not in":
		return !strings.Contains(right, left)
	default:
		return true
	}
}

// splitOutside splits s on sep, but only where sep is not inside
// parentheses or quotes — enough to handle PEP 508's "and"/"or" grouping
// without a full grammar.
func splitOutside(s, sep string) []string {
	var parts []string

	depth := 0
	inQuote := byte(0)
	start := 0

	for i := 0; i < len(s); i++ {
		switch {
		case inQuote != 0:
			if s[i] == inQuote {
				inQuote = 0
			}
		case s[i] == '"' || s[i] == '\'':
			inQuote = s[i]
		case s[i] == '(':
			depth++
		case s[i] == ')':
			depth--
		case depth == 0 && i+len(sep) <= len(s) && s[i:i+len(sep)] == sep:
			parts = append(parts, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}

	parts = append(parts, s[start:])

	return parts
}
