package ir

import (
	"path/filepath"
	"strings"
)

// DocumentID derives the logical IR id for a source file: the framework tag
// followed by the root-relative path with the extension stripped and path
// separators replaced by underscores. The stem keeps its original casing;
// callers that need one id for both sides of a mirrored pair must derive it
// from the canonical side's coordinates (see config.Pair.CanonicalID).
func DocumentID(framework, relPath string) string {
	p := filepath.ToSlash(relPath)
	if ext := filepath.Ext(p); ext != "" {
		p = strings.TrimSuffix(p, ext)
	}
	p = strings.Trim(p, "/")
	p = strings.ReplaceAll(p, "/", "_")
	return framework + "_" + p
}
