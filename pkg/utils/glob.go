package utils

import (
	"path"
	"strings"
)

// GlobMatch checks if a value matches a glob pattern.
// Patterns support these wildcards (path.Match semantics):
//   - "*" matches any sequence of non-separator characters
//   - "?" matches any single non-separator character
//   - "[...]" matches character classes
//
// Special cases:
//   - Pattern "*" matches everything (short-circuit for common wildcard case)
//   - Pattern without wildcards uses exact string matching
//   - Invalid patterns return false and the error
func GlobMatch(pattern, value string) (bool, error) {
	// Short-circuit for universal wildcard
	if pattern == "*" {
		return true, nil
	}

	// If pattern contains wildcards, use path.Match (not filepath.Match) for
	// cross-platform consistency since these are URL paths, not file paths.
	if strings.ContainsAny(pattern, "*?[") {
		matched, err := path.Match(pattern, value)
		if err != nil {
			return false, err
		}
		return matched, nil
	}

	// No wildcards - exact match
	return pattern == value, nil
}

// PathPatternMatch matches a request path against a route pattern. On top of
// GlobMatch semantics it supports a trailing "/**" segment for subtree
// matches: "/books/**" matches "/books", "/books/" and every path below it.
// Matching is case-sensitive.
func PathPatternMatch(pattern, reqPath string) (bool, error) {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if reqPath == prefix || reqPath == prefix+"/" {
			return true, nil
		}
		return strings.HasPrefix(reqPath, prefix+"/"), nil
	}
	return GlobMatch(pattern, reqPath)
}

// PathPatternMatchAny checks if any pattern in the list matches the path.
// Patterns that fail to parse are skipped.
func PathPatternMatchAny(patterns []string, reqPath string) bool {
	for _, p := range patterns {
		if ok, err := PathPatternMatch(p, reqPath); err == nil && ok {
			return true
		}
	}
	return false
}
