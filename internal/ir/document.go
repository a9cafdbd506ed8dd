// Package ir defines the toolchain-neutral intermediate representation of a
// UI source file, its canonical byte encoding, and schema delta computation.
package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the IR schema version stamped on documents produced by
// this build. Consumers compare it structurally, not semantically.
const SchemaVersion = "1.0"

// Document is an opaque, serializable tree describing one UI source file.
type Document struct {
	SchemaVersion string   `json:"schemaVersion"`
	Metadata      Metadata `json:"metadata"`
	Nodes         []*Node  `json:"nodes"`
}

// Metadata records where a document came from. It is informational and does
// not participate in structural equality or digest computation.
type Metadata struct {
	Framework   string    `json:"framework"`
	SourcePath  string    `json:"sourcePath"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Node is a single element in the IR tree. ID is stable and unique within
// the document. Meta carries optional per-node annotations such as the
// source line the node was parsed from.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Props    map[string]any `json:"props,omitempty"`
	Children []*Node        `json:"children,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// canonicalDoc is the digestable projection of a Document: everything except
// generation metadata, so that re-converting an unchanged source yields the
// same digest.
type canonicalDoc struct {
	SchemaVersion string  `json:"schemaVersion"`
	Nodes         []*Node `json:"nodes"`
}

// CanonicalBytes returns a deterministic byte encoding of the document's
// structural content. encoding/json emits map keys in sorted order, which
// makes the encoding canonical without extra normalization.
func CanonicalBytes(doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}
	return json.Marshal(canonicalDoc{SchemaVersion: doc.SchemaVersion, Nodes: doc.Nodes})
}

// Digest returns the hex sha256 of the canonical encoding.
func Digest(doc *Document) (string, error) {
	b, err := CanonicalBytes(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports structural equality of two documents. Metadata is ignored.
func Equal(a, b *Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, err := CanonicalBytes(a)
	if err != nil {
		return false
	}
	bb, err := CanonicalBytes(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Parse decodes a serialized document and checks the minimal shape. A
// document from a different schema major is rejected; minor revisions are
// additive and accepted.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding IR document: %w", err)
	}
	if doc.SchemaVersion == "" {
		return nil, fmt.Errorf("IR document has no schema version")
	}
	if !SchemaCompatible(doc.SchemaVersion) {
		return nil, fmt.Errorf("unsupported IR schema version %q, this build speaks %s",
			doc.SchemaVersion, SchemaVersion)
	}
	seen := make(map[string]bool)
	for _, n := range doc.Nodes {
		if err := checkNode(n, seen); err != nil {
			return nil, err
		}
	}
	return &doc, nil
}

// SchemaCompatible reports whether a document at version v can be consumed
// by this build. Majors must match exactly.
func SchemaCompatible(v string) bool {
	major, _, _ := strings.Cut(v, ".")
	want, _, _ := strings.Cut(SchemaVersion, ".")
	return major == want
}

func checkNode(n *Node, seen map[string]bool) error {
	if n == nil {
		return fmt.Errorf("IR document contains a null node")
	}
	if n.ID == "" {
		return fmt.Errorf("IR node of type %q has no id", n.Type)
	}
	if seen[n.ID] {
		return fmt.Errorf("duplicate IR node id %q", n.ID)
	}
	seen[n.ID] = true
	for _, c := range n.Children {
		if err := checkNode(c, seen); err != nil {
			return err
		}
	}
	return nil
}

// CountNodes returns the total node count across the whole forest.
func CountNodes(doc *Document) int {
	if doc == nil {
		return 0
	}
	n := 0
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, node := range nodes {
			n++
			walk(node.Children)
		}
	}
	walk(doc.Nodes)
	return n
}

// Clone returns a deep copy via the canonical JSON round trip. Metadata is
// copied as-is.
func Clone(doc *Document) *Document {
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	var out Document
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}
