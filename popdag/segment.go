package popdag

import (
	"github.com/connerlevi/coalescent/genetree"
	"github.com/connerlevi/coalescent/paramstore"
)

// Handle is a stable, process-local reference to a segment. Like
// paramstore.Handle, it survives Duplicate — segments never reference each
// other by pointer (spec.md §9).
type Handle int

// None denotes the absence of a segment reference (an empty parent or child
// slot).
const None Handle = -1

// Segment is one node of the population DAG: a constant-size edge spanning
// a time interval, with 0-2 parents and 0-2 children.
type Segment struct {
	Name string

	TwoN  paramstore.Handle
	Start paramstore.Handle
	// End is paramstore.NoHandle for the open upward interval at the root;
	// otherwise it equals the handle of whichever parent's Start closes
	// this segment, by construction (spec.md §4.2's "compare by
	// reference-identity-to-the-same-parameter" tie-break).
	End paramstore.Handle
	// MixFrac is paramstore.NoHandle unless this segment is an admixture
	// node (two parents).
	MixFrac paramstore.Handle

	Parents     [2]Handle
	NumParents  int
	Children    [2]Handle
	NumChildren int

	// SampleTips are the bit positions (from labels.Index) statically
	// declared as sampled at this segment.
	SampleTips []int

	// Lineages is per-replicate mutable state: the live gene-tree branches
	// currently occupying this segment. Cleared by DAG.Clear before each
	// replicate.
	Lineages []*genetree.Node
}

// IsAdmixture reports whether s has two parents.
func (s *Segment) IsAdmixture() bool {
	return s.NumParents == 2
}

// IsRoot reports whether s has no parents.
func (s *Segment) IsRoot() bool {
	return s.NumParents == 0
}

// HasSamples reports whether any tip is statically assigned to s.
func (s *Segment) HasSamples() bool {
	return len(s.SampleTips) > 0
}
