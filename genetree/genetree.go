// Package genetree represents one simulated gene genealogy: the binary tree
// of coalescence events produced by a single coalescent-kernel replicate.
package genetree

import "github.com/connerlevi/coalescent/labels"

// Node is one node of a gene genealogy. Leaves represent sampled tips;
// internal nodes represent coalescence events. The tip-set of an internal
// node is always the union of its children's tip-sets (spec.md §3).
type Node struct {
	TipSet labels.Mask
	Length float64
	Left   *Node
	Right  *Node
}

// NewLeaf returns a fresh leaf lineage for a single sampled tip.
func NewLeaf(tip labels.Mask) *Node {
	return &Node{TipSet: tip}
}

// IsLeaf reports whether n has no children.
func (n *Node) IsLeaf() bool {
	return n.Left == nil && n.Right == nil
}

// Join creates the internal node representing the coalescence of a and b.
// Its tip-set is the bitwise OR of its children's, per spec.md §3.
func Join(a, b *Node) *Node {
	return &Node{
		TipSet: a.TipSet | b.TipSet,
		Left:   a,
		Right:  b,
	}
}

// AddLength adds elapsed time to the pending branch length above n.
func (n *Node) AddLength(x float64) {
	n.Length += x
}
