package ir

import (
	"encoding/json"
)

// UpdateKind distinguishes full-snapshot updates from incremental deltas.
type UpdateKind string

const (
	UpdateFull        UpdateKind = "full"
	UpdateIncremental UpdateKind = "incremental"
)

// Delta describes the difference between two documents with the same id,
// expressed over the top-level node forest keyed by stable node id. Added
// and Modified carry whole subtrees; Removed carries ids only.
type Delta struct {
	Added    []*Node  `json:"added"`
	Modified []*Node  `json:"modified"`
	Removed  []string `json:"removed"`
}

// Empty reports whether the delta carries no changes.
func (d *Delta) Empty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0)
}

// ChangeCount is the total number of changed top-level nodes.
func (d *Delta) ChangeCount() int {
	if d == nil {
		return 0
	}
	return len(d.Added) + len(d.Modified) + len(d.Removed)
}

// ComputeDelta diffs prev against next over the top-level forest. A node is
// modified when its subtree differs structurally (type, property map,
// child order, or per-node metadata).
func ComputeDelta(prev, next *Document) *Delta {
	d := &Delta{Added: []*Node{}, Modified: []*Node{}, Removed: []string{}}

	prevByID := make(map[string]*Node, len(prev.Nodes))
	for _, n := range prev.Nodes {
		prevByID[n.ID] = n
	}
	nextByID := make(map[string]*Node, len(next.Nodes))
	for _, n := range next.Nodes {
		nextByID[n.ID] = n
	}

	for _, n := range next.Nodes {
		old, ok := prevByID[n.ID]
		if !ok {
			d.Added = append(d.Added, n)
			continue
		}
		if !nodeEqual(old, n) {
			d.Modified = append(d.Modified, n)
		}
	}
	for _, n := range prev.Nodes {
		if _, ok := nextByID[n.ID]; !ok {
			d.Removed = append(d.Removed, n.ID)
		}
	}
	return d
}

// Apply produces the document that results from applying d to prev:
// removals, then modifications in place, then additions appended in delta
// order. Surviving nodes keep prev's relative order.
func (d *Delta) Apply(prev *Document) *Document {
	removed := make(map[string]bool, len(d.Removed))
	for _, id := range d.Removed {
		removed[id] = true
	}
	modified := make(map[string]*Node, len(d.Modified))
	for _, n := range d.Modified {
		modified[n.ID] = n
	}

	out := &Document{
		SchemaVersion: prev.SchemaVersion,
		Metadata:      prev.Metadata,
	}
	for _, n := range prev.Nodes {
		if removed[n.ID] {
			continue
		}
		if m, ok := modified[n.ID]; ok {
			out.Nodes = append(out.Nodes, m)
			continue
		}
		out.Nodes = append(out.Nodes, n)
	}
	out.Nodes = append(out.Nodes, d.Added...)
	return out
}

// ChooseKind decides between an incremental and a full update. Incremental
// is used only when the change count stays under maxFraction of the new
// document's top-level node count, the encoded delta is smaller than the
// encoded full document, and applying the delta to prev reproduces next
// (which rules out pure reorderings the delta cannot express).
func ChooseKind(prev, next *Document, d *Delta, maxFraction float64) UpdateKind {
	if prev == nil || d == nil {
		return UpdateFull
	}
	total := len(next.Nodes)
	if total == 0 {
		return UpdateFull
	}
	if float64(d.ChangeCount()) >= maxFraction*float64(total) {
		return UpdateFull
	}
	deltaBytes, err := json.Marshal(d)
	if err != nil {
		return UpdateFull
	}
	fullBytes, err := CanonicalBytes(next)
	if err != nil {
		return UpdateFull
	}
	if len(deltaBytes) >= len(fullBytes) {
		return UpdateFull
	}
	if !Equal(d.Apply(prev), next) {
		return UpdateFull
	}
	return UpdateIncremental
}

func nodeEqual(a, b *Node) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
