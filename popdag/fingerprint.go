package popdag

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/connerlevi/coalescent/paramstore"
)

// Fingerprint returns a canonical structural hash of the DAG's segments and
// its parameter store's current values. Two DAGs with equal fingerprints
// are considered structurally and numerically identical — this backs the
// "duplicate(dag).equals(dag) == true" testable property from spec.md §8.
func (d *DAG) Fingerprint() ([32]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, fmt.Errorf("popdag: fingerprint hash init: %w", err)
	}
	for _, seg := range d.segments {
		twoN, err := d.store.GetValue(seg.TwoN)
		if err != nil {
			return [32]byte{}, err
		}
		start, err := d.store.GetValue(seg.Start)
		if err != nil {
			return [32]byte{}, err
		}
		end := "∞"
		if seg.End != paramstore.NoHandle {
			v, err := d.store.GetValue(seg.End)
			if err != nil {
				return [32]byte{}, err
			}
			end = fmt.Sprintf("%v", v)
		}
		mix := "-"
		if seg.IsAdmixture() {
			v, err := d.store.GetValue(seg.MixFrac)
			if err != nil {
				return [32]byte{}, err
			}
			mix = fmt.Sprintf("%v", v)
		}
		fmt.Fprintf(h, "seg|%s|twoN=%v|start=%v|end=%s|mix=%s|parents=%v|children=%v|samples=%v\n",
			seg.Name, twoN, start, end, mix, seg.Parents, seg.Children, seg.SampleTips)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Equal reports whether d and other have identical fingerprints.
func (d *DAG) Equal(other *DAG) (bool, error) {
	a, err := d.Fingerprint()
	if err != nil {
		return false, err
	}
	b, err := other.Fingerprint()
	if err != nil {
		return false, err
	}
	return a == b, nil
}
