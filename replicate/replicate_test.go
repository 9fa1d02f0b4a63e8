package replicate

import (
	"errors"
	"math"
	"testing"

	"github.com/connerlevi/coalescent/labels"
	"github.com/connerlevi/coalescent/paramstore"
	"github.com/connerlevi/coalescent/popdag"
)

// buildTwoSamplePanmictic is spec.md §8 boundary scenario 1: one segment
// "a" with two samples, twoN=1, no parents, infinite upward interval.
func buildTwoSamplePanmictic(t *testing.T) (*popdag.DAG, popdag.Handle, *labels.Index) {
	t.Helper()
	idx := labels.New()
	idx.Add("a.0")
	idx.Add("a.1")
	idx.Freeze()

	fixed := []paramstore.Spec{
		{Name: "t0", Status: paramstore.StatusFixed, Lower: 0, Upper: 0, Value: 0},
		{Name: "twoN", Category: paramstore.CategoryTwoN, Status: paramstore.StatusFixed, Lower: 0.01, Upper: 100, Value: 1},
	}
	st, err := paramstore.NewStore(fixed, nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	d := popdag.NewDAG(st)
	t0, _ := st.Lookup("t0")
	twoN, _ := st.Lookup("twoN")
	a, err := d.AddSegment("a", twoN, t0)
	if err != nil {
		t.Fatalf("AddSegment: %v", err)
	}
	d.AssignSample(a, 0)
	d.AssignSample(a, 1)
	return d, a, idx
}

func TestSimulateNormalizesToOne(t *testing.T) {
	d, root, idx := buildTwoSamplePanmictic(t)
	cfg := DefaultReplicateConfig()
	cfg.Replicates = 4000
	cfg.Workers = 4
	cfg.BaseSeed = 99

	table, err := Simulate(d, root, idx, cfg)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if sum := table.Sum(); math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("normalized table sum = %v, want 1.0", sum)
	}

	allSamples := idx.AllSamples()
	keys, vals := table.ToArrays()
	for i, k := range keys {
		if k == 0 || k == allSamples {
			t.Errorf("table contains reserved bitmask %#x", k)
		}
		if vals[i] < 0 {
			t.Errorf("table[%#x] = %v, want non-negative", k, vals[i])
		}
	}
}

// TestParallelEquivalence is spec.md §8 boundary scenario 5: the same
// replicate count on 1 worker and on 8 workers yields normalized tables
// within Monte-Carlo error.
func TestParallelEquivalence(t *testing.T) {
	const reps = 8000

	d1, root1, idx1 := buildTwoSamplePanmictic(t)
	cfg1 := DefaultReplicateConfig()
	cfg1.Replicates = reps
	cfg1.Workers = 1
	cfg1.BaseSeed = 7
	table1, err := Simulate(d1, root1, idx1, cfg1)
	if err != nil {
		t.Fatalf("Simulate(1 worker): %v", err)
	}

	d8, root8, idx8 := buildTwoSamplePanmictic(t)
	cfg8 := DefaultReplicateConfig()
	cfg8.Replicates = reps
	cfg8.Workers = 8
	cfg8.BaseSeed = 7
	table8, err := Simulate(d8, root8, idx8, cfg8)
	if err != nil {
		t.Fatalf("Simulate(8 workers): %v", err)
	}

	for _, bit := range []int{0, 1} {
		b, _ := idx1.Bit(idx1MustName(t, idx1, bit))
		v1, _ := table1.Get(b)
		v8, _ := table8.Get(b)
		if math.Abs(v1-v8) > 0.05 {
			t.Errorf("tip %d: 1-worker=%v 8-worker=%v, differ beyond Monte Carlo tolerance", bit, v1, v8)
		}
	}
}

func idx1MustName(t *testing.T, idx *labels.Index, pos int) string {
	t.Helper()
	name, err := idx.Name(pos)
	if err != nil {
		t.Fatalf("Name(%d): %v", pos, err)
	}
	return name
}

// TestInfeasibleParameterReturnsError is spec.md §8 boundary scenario 6: a
// parameter vector with a negative population size must not crash, and
// must be reported via ErrInfeasible so the (external) optimizer can
// translate it to +∞ cost.
func TestInfeasibleParameterReturnsError(t *testing.T) {
	idx := labels.New()
	idx.Add("x")
	idx.Add("y")
	idx.Freeze()

	free := []paramstore.Spec{
		{Name: "twoN", Category: paramstore.CategoryTwoN, Status: paramstore.StatusFree, Lower: 0.01, Upper: 100, Value: 1},
	}
	fixed := []paramstore.Spec{
		{Name: "t0", Status: paramstore.StatusFixed, Lower: 0, Upper: 0, Value: 0},
	}
	st, err := paramstore.NewStore(fixed, free, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	d := popdag.NewDAG(st)
	t0, _ := st.Lookup("t0")
	twoN, _ := st.Lookup("twoN")
	a, err := d.AddSegment("a", twoN, t0)
	if err != nil {
		t.Fatalf("AddSegment: %v", err)
	}
	d.AssignSample(a, 0)
	d.AssignSample(a, 1)

	// SetFree with a negative size is out of [0.01,100] bounds -> infeasible,
	// non-fatal per paramstore's contract.
	if err := st.SetFree([]float64{-5}); err == nil {
		t.Fatalf("SetFree(-5): want infeasible error, got nil")
	}

	cfg := DefaultReplicateConfig()
	cfg.Replicates = 10
	_, err = Simulate(d, a, idx, cfg)
	if !errors.Is(err, ErrInfeasible) {
		t.Fatalf("Simulate with infeasible twoN: got %v, want ErrInfeasible", err)
	}
}

func TestSimulateRejectsNonPositiveReplicateCount(t *testing.T) {
	d, root, idx := buildTwoSamplePanmictic(t)
	cfg := DefaultReplicateConfig()
	cfg.Replicates = 0
	if _, err := Simulate(d, root, idx, cfg); err == nil {
		t.Fatalf("Simulate with Replicates=0: want error, got nil")
	}
}
