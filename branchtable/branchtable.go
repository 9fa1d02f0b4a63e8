// Package branchtable implements the sparse tipset-to-branch-length
// accumulator produced by coalescent replicates, and the algebra needed to
// compare it against observed site-pattern frequencies.
package branchtable

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/connerlevi/coalescent/labels"
)

// ErrEmpty is returned by Normalize when the table has no entries or a
// zero sum — spec.md §7: "Normalize on empty table is fatal (indicates a
// broken upstream)."
var ErrEmpty = errors.New("branchtable: empty or zero-sum table")

// ErrMissingKey is returned by KLDivergence when an observed key with
// positive probability has no matching entry in the estimated table.
var ErrMissingKey = errors.New("branchtable: key missing from estimated table")

// Table is a sparse map from tip-set bitmask to accumulated branch length.
// No entry exists for the empty bitmask or the all-samples bitmask — both
// are meaningless site patterns (spec.md §3).
type Table struct {
	values map[labels.Mask]float64
}

// New returns an empty branch table.
func New() *Table {
	return &Table{values: make(map[labels.Mask]float64)}
}

func reserved(b labels.Mask, allSamples labels.Mask) bool {
	return b == 0 || b == allSamples
}

// Add accumulates length under bitmask b, creating the entry if absent.
// allSamples is the label index's reserved all-samples mask; Add is a no-op
// for the empty or all-samples bitmask.
func (t *Table) Add(b labels.Mask, length float64, allSamples labels.Mask) {
	if reserved(b, allSamples) {
		return
	}
	t.values[b] += length
}

// Get returns the accumulated length for b, and whether an entry exists.
func (t *Table) Get(b labels.Mask) (float64, bool) {
	v, ok := t.values[b]
	return v, ok
}

// Len returns the number of distinct site patterns with an entry.
func (t *Table) Len() int {
	return len(t.values)
}

// Merge sums values from other into t by key (spec.md §4.4: commutative,
// associative).
func (t *Table) Merge(other *Table) {
	for k, v := range other.values {
		t.values[k] += v
	}
}

// Scale multiplies every value by c.
func (t *Table) Scale(c float64) {
	for k := range t.values {
		t.values[k] *= c
	}
}

// DivideBy divides every value by c.
func (t *Table) DivideBy(c float64) {
	for k := range t.values {
		t.values[k] /= c
	}
}

// Normalize divides every value by the table's current sum so the values
// form a probability distribution. Fails on an empty or zero-sum table.
func (t *Table) Normalize() error {
	sum := 0.0
	for _, v := range t.values {
		sum += v
	}
	if len(t.values) == 0 || sum == 0 {
		return ErrEmpty
	}
	for k := range t.values {
		t.values[k] /= sum
	}
	return nil
}

// Sum returns the current (unnormalized) total across all entries.
func (t *Table) Sum() float64 {
	sum := 0.0
	for _, v := range t.values {
		sum += v
	}
	return sum
}

// MinusEquals subtracts other from t by key, aligning on the union of keys
// present in either table.
func (t *Table) MinusEquals(other *Table) {
	for k, v := range other.values {
		t.values[k] -= v
	}
}

// KLDivergence computes Σ o(b)·log(o(b)/e(b)) over keys where o(b) > 0,
// where o is the observed table and e is the estimated table. Fails if a
// key with o(b) > 0 is missing from e.
func KLDivergence(observed, estimated *Table) (float64, error) {
	var sum float64
	for b, o := range observed.values {
		if o <= 0 {
			continue
		}
		e, ok := estimated.values[b]
		if !ok {
			return 0, fmt.Errorf("%w: pattern %#x", ErrMissingKey, b)
		}
		sum += o * math.Log(o/e)
	}
	return sum, nil
}

// ToArrays emits two parallel arrays (keys, values), ordered canonically by
// ascending bitmask, per spec.md §6's output grammar.
func (t *Table) ToArrays() ([]labels.Mask, []float64) {
	keys := maps.Keys(t.values)
	slices.Sort(keys)
	vals := make([]float64, len(keys))
	for i, k := range keys {
		vals[i] = t.values[k]
	}
	return keys, vals
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	out := New()
	for k, v := range t.values {
		out.values[k] = v
	}
	return out
}
