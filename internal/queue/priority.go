package queue

import (
	"path/filepath"
	"strings"
)

func lowerBase(path string) string {
	return strings.ToLower(filepath.Base(path))
}

// hasStem reports whether base is stem plus an extension ("main.dart") or
// exactly stem.
func hasStem(base, stem string) bool {
	if base == stem {
		return true
	}
	return strings.HasPrefix(base, stem+".")
}

func isTestLike(path, base string) bool {
	if strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") ||
		strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), "_test") {
		return true
	}
	lower := strings.ToLower(filepath.ToSlash(path))
	for _, seg := range []string{"/test/", "/tests/", "/__tests__/", "/doc/", "/docs/"} {
		if strings.Contains(lower, seg) {
			return true
		}
	}
	return false
}
