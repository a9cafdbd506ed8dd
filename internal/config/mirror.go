package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/uisync/uisync/internal/ir"
)

// Framework is the capability set of one side of a mirrored pair: where its
// sources live, how they are named, and how its test files are recognized.
// The actual source↔IR converters are registered separately with the sync
// engine; this type only carries path conventions.
type Framework struct {
	Tag        string
	Root       string
	Ext        string
	FileNaming NamingStyle
	TestSuffix string
}

// IsTestFile reports whether path looks like a test source for this side.
func (f Framework) IsTestFile(path string) bool {
	return f.TestSuffix != "" && strings.HasSuffix(filepath.Base(path), f.TestSuffix)
}

// Pair binds the two framework sides of a project.
type Pair struct {
	A Framework
	B Framework
}

// Side returns the framework whose root contains path.
func (p Pair) Side(path string) (Framework, bool) {
	if under(p.A.Root, path) {
		return p.A, true
	}
	if under(p.B.Root, path) {
		return p.B, true
	}
	return Framework{}, false
}

// ByTag returns the framework with the given tag.
func (p Pair) ByTag(tag string) (Framework, bool) {
	switch tag {
	case p.A.Tag:
		return p.A, true
	case p.B.Tag:
		return p.B, true
	}
	return Framework{}, false
}

// Other returns the opposite side of tag.
func (p Pair) Other(tag string) Framework {
	if tag == p.A.Tag {
		return p.B
	}
	return p.A
}

// MirrorPath maps a path under one root to its counterpart under the other:
// the root prefix is swapped, the stem is rewritten into the target side's
// naming convention, and the extension is replaced.
func (p Pair) MirrorPath(path string) (string, error) {
	from, ok := p.Side(path)
	if !ok {
		return "", fmt.Errorf("path %s is under neither watch root", path)
	}
	to := p.Other(from.Tag)

	rel, err := filepath.Rel(from.Root, path)
	if err != nil {
		return "", fmt.Errorf("relativizing %s: %w", path, err)
	}

	dir := filepath.Dir(rel)
	base := filepath.Base(rel)
	stem := strings.TrimSuffix(base, from.Ext)
	// Test sources carry a compound suffix (".test.jsx", "_test.dart");
	// strip it before converting the stem and re-attach the target's.
	isTest := from.IsTestFile(path)
	if isTest {
		stem = strings.TrimSuffix(base, from.TestSuffix)
	}

	converted := ConvertStem(stem, to.FileNaming)
	name := converted + to.Ext
	if isTest {
		name = converted + to.TestSuffix
	}
	if dir == "." {
		return filepath.Join(to.Root, name), nil
	}
	return filepath.Join(to.Root, dir, name), nil
}

// CanonicalID derives the logical IR id for a path on either side. Both
// sides of a mirrored pair must produce the same id, so the id is always
// computed from side A's coordinates: paths under root B are mirrored to
// side A first.
func (p Pair) CanonicalID(path string) (string, error) {
	side, ok := p.Side(path)
	if !ok {
		return "", fmt.Errorf("path %s is under neither watch root", path)
	}
	if side.Tag == p.B.Tag {
		mirrored, err := p.MirrorPath(path)
		if err != nil {
			return "", err
		}
		path = mirrored
		side = p.A
	}
	rel, err := filepath.Rel(side.Root, path)
	if err != nil {
		return "", fmt.Errorf("relativizing %s: %w", path, err)
	}
	if side.IsTestFile(path) {
		// Strip the full test suffix so the id matches the component under
		// test plus a test marker.
		base := strings.TrimSuffix(filepath.Base(rel), side.TestSuffix)
		rel = filepath.Join(filepath.Dir(rel), base+"_test")
	}
	return ir.DocumentID(side.Tag, rel), nil
}

func under(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
