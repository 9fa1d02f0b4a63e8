// Package kernel implements the backward-time coalescent simulation inside
// one population DAG copy, producing a gene genealogy and tabulating its
// branch lengths into a branch table (spec.md §4.3).
package kernel

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/connerlevi/coalescent/branchtable"
	"github.com/connerlevi/coalescent/genetree"
	"github.com/connerlevi/coalescent/labels"
	"github.com/connerlevi/coalescent/paramstore"
	"github.com/connerlevi/coalescent/popdag"
)

// ErrBadConfiguration is the fatal error for a segment end that is
// non-finite and not the open-interval sentinel (spec.md §4.3's "NaN or
// non-finite end that is not +∞ is a fatal configuration error").
var ErrBadConfiguration = errors.New("kernel: non-finite segment end")

// ErrNotSingleMRCA is returned if a replicate finishes with anything other
// than exactly one lineage at the DAG root.
var ErrNotSingleMRCA = errors.New("kernel: replicate did not converge to a single MRCA")

// Config controls tabulation behavior for one replicate.
type Config struct {
	// IncludeSingletons controls whether singleton tip-set patterns are
	// added to the branch table (spec.md §4.3's tabulation flag).
	IncludeSingletons bool
}

// DefaultKernelConfig returns a Config with singleton patterns included,
// matching the default a standalone Tabulate caller expects.
func DefaultKernelConfig() Config {
	return Config{IncludeSingletons: true}
}

// Simulate runs one backward-time coalescent replicate over dag starting
// from root, using rng as the sole source of randomness, and returns the
// MRCA gene-tree node. dag must already have been Clear()'d by the caller
// (spec.md §4.5's replicate loop: clear, seed, coalesce, tabulate).
func Simulate(dag *popdag.DAG, root popdag.Handle, idx *labels.Index, rng *rand.Rand) (*genetree.Node, error) {
	order, err := topoOrder(dag, root)
	if err != nil {
		return nil, err
	}

	inbox := make(map[popdag.Handle][]*genetree.Node, len(order))
	for _, h := range order {
		seg := dag.Segment(h)
		for _, bit := range seg.SampleTips {
			inbox[h] = append(inbox[h], genetree.NewLeaf(labels.Mask(1)<<uint(bit)))
		}
	}

	var mrca *genetree.Node
	for _, h := range order {
		seg := dag.Segment(h)
		lineages := inbox[h]
		delete(inbox, h)

		out, err := runSegment(dag.Store(), seg, lineages, rng)
		if err != nil {
			return nil, fmt.Errorf("kernel: segment %q: %w", seg.Name, err)
		}
		seg.Lineages = out

		switch seg.NumParents {
		case 0:
			if len(out) != 1 {
				return nil, fmt.Errorf("%w: %d lineages remain at root %q", ErrNotSingleMRCA, len(out), seg.Name)
			}
			mrca = out[0]
		case 1:
			inbox[seg.Parents[0]] = append(inbox[seg.Parents[0]], out...)
		case 2:
			mixVal, err := dag.Store().GetValue(seg.MixFrac)
			if err != nil {
				return nil, err
			}
			for _, lineage := range out {
				if rng.Float64() < mixVal {
					inbox[seg.Parents[1]] = append(inbox[seg.Parents[1]], lineage)
				} else {
					inbox[seg.Parents[0]] = append(inbox[seg.Parents[0]], lineage)
				}
			}
		}
	}

	if mrca == nil {
		return nil, fmt.Errorf("%w: root never processed", ErrNotSingleMRCA)
	}
	return mrca, nil
}

// runSegment executes the per-segment coalescent loop of spec.md §4.3: draw
// exponential waiting times, coalesce pairs uniformly at random, and carry
// unconsumed time to every live lineage, until fewer than two lineages
// remain or the segment's end is reached.
func runSegment(store *paramstore.Store, seg *popdag.Segment, lineages []*genetree.Node, rng *rand.Rand) ([]*genetree.Node, error) {
	twoN, err := store.GetValue(seg.TwoN)
	if err != nil {
		return nil, err
	}
	t, err := store.GetValue(seg.Start)
	if err != nil {
		return nil, err
	}

	infiniteEnd := seg.End == paramstore.NoHandle
	var end float64
	if !infiniteEnd {
		end, err = store.GetValue(seg.End)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(end) || math.IsInf(end, 0) {
			return nil, fmt.Errorf("%w: segment %q end=%v", ErrBadConfiguration, seg.Name, end)
		}
	}

	live := append([]*genetree.Node{}, lineages...)

	for len(live) >= 2 && (infiniteEnd || t < end) {
		n := len(live)
		mean := 2 * twoN / (float64(n) * float64(n-1))
		x := rng.ExpFloat64() * mean

		if infiniteEnd || t+x < end {
			t += x
			for _, l := range live {
				l.AddLength(x)
			}
			i, j := pickPair(rng, n)
			joined := genetree.Join(live[i], live[j])
			live = replacePair(live, i, j, joined)
		} else {
			elapsed := end - t
			for _, l := range live {
				l.AddLength(elapsed)
			}
			t = end
			break
		}
	}

	// Edge case: n < 2, or the loop never entered because t already
	// reached end — still advance time to end on every live lineage
	// (spec.md §4.3 edge cases).
	if !infiniteEnd && t < end {
		elapsed := end - t
		for _, l := range live {
			l.AddLength(elapsed)
		}
	}

	return live, nil
}

// pickPair returns two distinct indices in [0,n) drawn uniformly at random.
func pickPair(rng *rand.Rand, n int) (int, int) {
	i := rng.Intn(n)
	j := rng.Intn(n - 1)
	if j >= i {
		j++
	}
	return i, j
}

// replacePair removes the lineages at i and j from live and appends joined.
func replacePair(live []*genetree.Node, i, j int, joined *genetree.Node) []*genetree.Node {
	lo, hi := i, j
	if lo > hi {
		lo, hi = hi, lo
	}
	out := make([]*genetree.Node, 0, len(live)-1)
	for idx, l := range live {
		if idx == lo || idx == hi {
			continue
		}
		out = append(out, l)
	}
	out = append(out, joined)
	return out
}

// topoOrder returns every segment reachable (downward, via children) from
// root, ordered so each segment appears only after all of its children
// have — the processing order a bottom-up (tip-to-root) coalescent
// simulation requires, and the only way to visit an admixture child
// exactly once despite being listed in two different parents' children
// (spec.md §9: "Recursive structures are shallow... iterative traversals
// are welcome").
func topoOrder(dag *popdag.DAG, root popdag.Handle) ([]popdag.Handle, error) {
	var all []popdag.Handle
	seen := make(map[popdag.Handle]bool)
	var collect func(h popdag.Handle)
	collect = func(h popdag.Handle) {
		if seen[h] {
			return
		}
		seen[h] = true
		all = append(all, h)
		seg := dag.Segment(h)
		for i := 0; i < seg.NumChildren; i++ {
			collect(seg.Children[i])
		}
	}
	collect(root)

	remaining := make(map[popdag.Handle]int, len(all))
	for _, h := range all {
		remaining[h] = dag.Segment(h).NumChildren
	}

	var order []popdag.Handle
	queue := make([]popdag.Handle, 0, len(all))
	for _, h := range all {
		if remaining[h] == 0 {
			queue = append(queue, h)
		}
	}

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		order = append(order, h)
		seg := dag.Segment(h)
		for i := 0; i < seg.NumParents; i++ {
			p := seg.Parents[i]
			if !seen[p] {
				continue // parent outside the subtree rooted at `root`
			}
			remaining[p]--
			if remaining[p] == 0 {
				queue = append(queue, p)
			}
		}
	}

	if len(order) != len(all) {
		return nil, fmt.Errorf("kernel: cycle detected while ordering %d segments", len(all))
	}
	return order, nil
}

// Tabulate traverses a gene tree and adds every edge's branch length into
// table, keyed by the edge's child tip-set, skipping the empty and
// all-samples bitmasks and (unless cfg.IncludeSingletons) singleton
// patterns (spec.md §4.3's tabulation step).
func Tabulate(mrca *genetree.Node, allSamples labels.Mask, cfg Config, table *branchtable.Table) {
	var walk func(n *genetree.Node)
	walk = func(n *genetree.Node) {
		if n == nil {
			return
		}
		if cfg.IncludeSingletons || !labels.Singleton(n.TipSet) {
			table.Add(n.TipSet, n.Length, allSamples)
		}
		walk(n.Left)
		walk(n.Right)
	}
	walk(mrca)
}
