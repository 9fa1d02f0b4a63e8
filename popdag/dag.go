// Package popdag implements the population network model: a DAG of
// time-ordered segments with shared, symbolically-constrained parameters
// and admixture edges (spec.md §4.2).
package popdag

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/connerlevi/coalescent/paramstore"
)

// logger is the package-scoped logger for feasibility rejections (spec.md
// §7: "a short diagnostic to stderr naming the error kind and the offending
// entity"). Feasible itself still returns the error out-of-band (§7's
// out-of-band-channel policy); this is a log line alongside that return,
// not a replacement for it.
var logger = log.New(os.Stderr, "popdag: ", log.Lshortfile)

// Structural errors, per spec.md §7.
var (
	ErrTooManyParents  = errors.New("popdag: segment already has two parents")
	ErrTooManyChildren = errors.New("popdag: segment already has two children")
	ErrDateMismatch    = errors.New("popdag: child.start > parent.start")
	ErrMultipleRoots   = errors.New("popdag: admixture parents converge to different roots")
	ErrInfeasible      = errors.New("popdag: infeasible parameter vector")
)

// DAG is the population-segment graph for one demographic model, together
// with the parameter store its segments reference.
type DAG struct {
	segments []Segment
	byName   map[string]Handle
	store    *paramstore.Store
}

// NewDAG returns an empty DAG bound to store. Segments added later
// reference store's handles.
func NewDAG(store *paramstore.Store) *DAG {
	return &DAG{byName: make(map[string]Handle), store: store}
}

// Store returns the parameter store this DAG's segments are bound to.
func (d *DAG) Store() *paramstore.Store {
	return d.store
}

// AddSegment declares a new, as-yet-unwired segment with the given size and
// start-time handles. Its end defaults to paramstore.NoHandle (open
// interval) until a parent is wired via AddChild or Mix.
func (d *DAG) AddSegment(name string, twoN, start paramstore.Handle) (Handle, error) {
	if _, dup := d.byName[name]; dup {
		return None, fmt.Errorf("popdag: duplicate segment name %q", name)
	}
	h := Handle(len(d.segments))
	d.segments = append(d.segments, Segment{
		Name:    name,
		TwoN:    twoN,
		Start:   start,
		End:     paramstore.NoHandle,
		MixFrac: paramstore.NoHandle,
		Parents: [2]Handle{None, None},
		Children: [2]Handle{None, None},
	})
	d.byName[name] = h
	return h, nil
}

// Lookup returns the handle for a declared segment name.
func (d *DAG) Lookup(name string) (Handle, error) {
	h, ok := d.byName[name]
	if !ok {
		return None, fmt.Errorf("popdag: unknown segment %q", name)
	}
	return h, nil
}

// Segment returns a pointer into the DAG's backing slice for direct field
// access by the coalescent kernel. Callers must not retain it across a
// Duplicate.
func (d *DAG) Segment(h Handle) *Segment {
	return &d.segments[h]
}

// NumSegments returns the number of declared segments.
func (d *DAG) NumSegments() int {
	return len(d.segments)
}

// AssignSample declares that labelBit is sampled at segment h (spec.md §3:
// "Sample tips occur only at segments explicitly declared as containing
// samples").
func (d *DAG) AssignSample(h Handle, labelBit int) {
	seg := &d.segments[h]
	seg.SampleTips = append(seg.SampleTips, labelBit)
}

// AddChild wires a single ordinary parent-child edge: child derives from
// parent (the grammar's `derive` directive). It appends child to parent's
// children and parent to child's parents, and sets child.End to parent's
// Start handle — the two segments are considered contiguous in time by
// construction, not by comparing current numeric values (spec.md §4.2).
func (d *DAG) AddChild(parent, child Handle) error {
	p := &d.segments[parent]
	c := &d.segments[child]

	if p.NumChildren >= 2 {
		return fmt.Errorf("%w: %q", ErrTooManyChildren, p.Name)
	}
	if c.NumParents >= 2 {
		return fmt.Errorf("%w: %q", ErrTooManyParents, c.Name)
	}

	startVal, err := d.store.GetValue(c.Start)
	if err != nil {
		return err
	}
	parentStartVal, err := d.store.GetValue(p.Start)
	if err != nil {
		return err
	}
	if startVal > parentStartVal {
		return fmt.Errorf("%w: child %q start=%v > parent %q start=%v",
			ErrDateMismatch, c.Name, startVal, p.Name, parentStartVal)
	}

	p.Children[p.NumChildren] = child
	p.NumChildren++
	c.Parents[c.NumParents] = parent
	c.NumParents++
	c.End = p.Start
	return nil
}

// Mix wires an admixture node: child is formed by two parents, native and
// introgressor, with mixFrac the probability a lineage ascends via
// introgressor (the grammar's `mix` directive). Both parents must share a
// Start handle equal to child's End handle — the admixture time — enforced
// by requiring the caller to have declared native and introgressor with
// that same Start handle (spec.md §4.2: "both parents must share start
// equal to child.end").
func (d *DAG) Mix(child Handle, mixFrac paramstore.Handle, native, introgressor Handle) error {
	c := &d.segments[child]
	if c.NumParents != 0 {
		return fmt.Errorf("%w: %q already has parents wired", ErrTooManyParents, c.Name)
	}

	nat := &d.segments[native]
	intro := &d.segments[introgressor]
	if nat.Start != intro.Start {
		return fmt.Errorf("%w: admixture parents %q and %q do not share a start handle",
			ErrDateMismatch, nat.Name, intro.Name)
	}
	if nat.NumChildren >= 2 {
		return fmt.Errorf("%w: %q", ErrTooManyChildren, nat.Name)
	}
	if intro.NumChildren >= 2 {
		return fmt.Errorf("%w: %q", ErrTooManyChildren, intro.Name)
	}

	c.End = nat.Start
	c.MixFrac = mixFrac
	c.Parents[0] = native
	c.Parents[1] = introgressor
	c.NumParents = 2

	nat.Children[nat.NumChildren] = child
	nat.NumChildren++
	intro.Children[intro.NumChildren] = child
	intro.NumChildren++
	return nil
}

// Root returns the DAG's unique root (the segment with no parents reached
// by walking up from h). Fails with ErrMultipleRoots if an admixture node's
// two parent chains diverge to different roots.
func (d *DAG) Root(h Handle) (Handle, error) {
	first, err := d.rootOf(h, h)
	if err != nil {
		return None, err
	}
	return first, nil
}

func (d *DAG) rootOf(start, origin Handle) (Handle, error) {
	seg := &d.segments[start]
	if seg.NumParents == 0 {
		return start, nil
	}
	r0, err := d.rootOf(seg.Parents[0], origin)
	if err != nil {
		return None, err
	}
	if seg.NumParents == 1 {
		return r0, nil
	}
	r1, err := d.rootOf(seg.Parents[1], origin)
	if err != nil {
		return None, err
	}
	if r0 != r1 {
		return None, fmt.Errorf("%w: from %q", ErrMultipleRoots, d.segments[origin].Name)
	}
	return r0, nil
}

// Clear recursively empties every segment's per-replicate lineage list
// beneath and including h.
func (d *DAG) Clear(h Handle) {
	seg := &d.segments[h]
	seg.Lineages = nil
	for i := 0; i < seg.NumChildren; i++ {
		d.Clear(seg.Children[i])
	}
}

// Feasible recursively checks that every twoN, start, and mixFrac value
// satisfies its declared bounds, and that parent/child time ordering holds
// throughout the DAG beneath h (spec.md §4.2).
func (d *DAG) Feasible(h Handle) error {
	if !d.store.Feasible() {
		logger.Printf("rejected: parameter store is infeasible")
		return ErrInfeasible
	}
	if err := d.feasibleRec(h); err != nil {
		logger.Printf("rejected: %v", err)
		return err
	}
	return nil
}

func (d *DAG) feasibleRec(h Handle) error {
	seg := &d.segments[h]

	startVal, err := d.store.GetValue(seg.Start)
	if err != nil {
		return err
	}
	if seg.End != paramstore.NoHandle {
		endVal, err := d.store.GetValue(seg.End)
		if err != nil {
			return err
		}
		if startVal > endVal {
			return fmt.Errorf("%w: segment %q start=%v > end=%v", ErrInfeasible, seg.Name, startVal, endVal)
		}
	}
	if seg.IsAdmixture() {
		mv, err := d.store.GetValue(seg.MixFrac)
		if err != nil {
			return err
		}
		if mv < 0 || mv > 1 {
			return fmt.Errorf("%w: segment %q mixFrac=%v out of [0,1]", ErrInfeasible, seg.Name, mv)
		}
	}
	for i := 0; i < seg.NumChildren; i++ {
		if err := d.feasibleRec(seg.Children[i]); err != nil {
			return err
		}
	}
	return nil
}

// Duplicate deep-copies the DAG's segments and its parameter store, so a
// worker can mutate per-replicate lineage state without racing other
// workers (spec.md §4.2, §4.5).
func (d *DAG) Duplicate() *DAG {
	newStore := d.store.Duplicate()
	segs := make([]Segment, len(d.segments))
	copy(segs, d.segments)
	for i := range segs {
		segs[i].Lineages = nil
	}
	names := make(map[string]Handle, len(d.byName))
	for k, v := range d.byName {
		names[k] = v
	}
	return &DAG{segments: segs, byName: names, store: newStore}
}
