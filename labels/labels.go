// Package labels maps sample names to bit positions in a tip-set bitmask.
package labels

import "fmt"

// Width is the number of bits available for sample bit positions. A label
// index that tries to hold more than Width names is an existential failure
// of the bitmask representation (spec: buffer overflow).
const Width = 64

// Mask is a tip-set bitmask: one bit per sampled tip.
type Mask = uint64

// Index is an ordered sequence of sample names; sample i has bitmask 1<<i.
// The total sample count is fixed once Freeze is called.
type Index struct {
	names  []string
	lookup map[string]int
	frozen bool
}

// New returns an empty, unfrozen label index.
func New() *Index {
	return &Index{lookup: make(map[string]int)}
}

// Add appends a new sample name and returns its bit position. Fails if the
// index is already frozen, the name is a duplicate, or Width would be
// exceeded.
func (idx *Index) Add(name string) (int, error) {
	if idx.frozen {
		return 0, fmt.Errorf("labels: index is frozen, cannot add %q", name)
	}
	if _, ok := idx.lookup[name]; ok {
		return 0, fmt.Errorf("labels: duplicate sample name %q", name)
	}
	if len(idx.names) >= Width {
		return 0, fmt.Errorf("labels: sample count exceeds bitmask width %d", Width)
	}
	pos := len(idx.names)
	idx.names = append(idx.names, name)
	idx.lookup[name] = pos
	return pos, nil
}

// Freeze fixes the total sample count; no further Add calls are permitted.
func (idx *Index) Freeze() {
	idx.frozen = true
}

// Len returns the number of registered samples.
func (idx *Index) Len() int {
	return len(idx.names)
}

// Bit returns the bitmask for a single sample, i.e. 1<<position.
func (idx *Index) Bit(name string) (Mask, error) {
	pos, ok := idx.lookup[name]
	if !ok {
		return 0, fmt.Errorf("labels: unknown sample name %q", name)
	}
	return Mask(1) << uint(pos), nil
}

// Name returns the sample name owning a given bit position.
func (idx *Index) Name(pos int) (string, error) {
	if pos < 0 || pos >= len(idx.names) {
		return "", fmt.Errorf("labels: bit position %d out of range", pos)
	}
	return idx.names[pos], nil
}

// AllSamples returns the union-of-all-samples bitmask, reserved and excluded
// from branch-table output.
func (idx *Index) AllSamples() Mask {
	if idx.Len() == 0 {
		return 0
	}
	return Mask(1)<<uint(idx.Len()) - 1
}

// Singleton reports whether b has exactly one bit set.
func Singleton(b Mask) bool {
	return b != 0 && b&(b-1) == 0
}
