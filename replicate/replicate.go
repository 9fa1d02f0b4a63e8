// Package replicate is the outer replicate driver: it duplicates a
// population DAG once per worker, drives a bounded job queue over a batch of
// independent coalescent replicates, and aggregates each worker's private
// branch table into one normalized result (spec.md §4.5).
package replicate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"github.com/dchest/siphash"

	"github.com/connerlevi/coalescent/branchtable"
	"github.com/connerlevi/coalescent/jobqueue"
	"github.com/connerlevi/coalescent/kernel"
	"github.com/connerlevi/coalescent/labels"
	"github.com/connerlevi/coalescent/popdag"
)

// ErrInfeasible is returned immediately, without running any replicate,
// when the DAG's current parameter vector is not feasible (spec.md §7: "a
// single infeasible parameter vector ... returns +∞ cost"; translating that
// into a concrete cost number is the outer optimizer's job, not this
// module's — this sentinel is what it translates).
var ErrInfeasible = errors.New("replicate: infeasible parameter vector")

// Config controls one aggregate simulation run.
type Config struct {
	// Replicates is the total number of independent gene genealogies to
	// simulate and tabulate.
	Replicates int
	// Workers is the worker-pool size. 0 means detect GOMAXPROCS, capped
	// to Replicates (spec.md §6's CLI surface: "-t T worker count (0 ⇒
	// detect cores, capped to N)").
	Workers int
	// IncludeSingletons controls whether singleton tip-set patterns are
	// tabulated (kernel.Config.IncludeSingletons).
	IncludeSingletons bool
	// BaseSeed seeds every worker's RNG, via a distinct per-worker
	// derivation (spec.md §9: "distinct seed per thread"). With one worker,
	// two runs with the same BaseSeed reproduce the same table. With more
	// than one worker, replicates go to whichever worker is free, so the
	// table is not reproducible from run to run.
	BaseSeed uint64
}

// DefaultReplicateConfig returns a Config with 1,000 replicates, worker
// count auto-detected, and singletons included.
func DefaultReplicateConfig() Config {
	return Config{
		Replicates:        1000,
		Workers:           0,
		IncludeSingletons: true,
		BaseSeed:          1,
	}
}

func (cfg Config) resolveWorkers() int {
	n := cfg.Workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if n > cfg.Replicates {
		n = cfg.Replicates
	}
	if n < 1 {
		n = 1
	}
	return n
}

// workerState is the per-thread state built once per worker by the job
// queue's constructor: a duplicated DAG (so mutation of per-replicate
// lineage lists never races another worker), a seeded RNG, and a private
// branch table merged into the aggregate exactly once, at worker exit
// (spec.md §9: "don't lock per add; accumulate into a private table and
// merge once per worker batch").
type workerState struct {
	dag   *popdag.DAG
	root  popdag.Handle
	rng   *rand.Rand
	table *branchtable.Table
}

// Simulate runs cfg.Replicates independent coalescent replicates over dag
// rooted at root, using idx to interpret tip-set bitmasks, and returns the
// normalized aggregate branch table (spec.md §4.5's contract: "given a
// constructed DAG, a count of replicates, a flag for including singleton
// patterns, and an RNG factory, return an aggregate normalized branch
// table").
func Simulate(dag *popdag.DAG, root popdag.Handle, idx *labels.Index, cfg Config) (*branchtable.Table, error) {
	if err := dag.Feasible(root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfeasible, err)
	}
	if cfg.Replicates <= 0 {
		return nil, fmt.Errorf("replicate: Replicates must be positive, got %d", cfg.Replicates)
	}

	workers := cfg.resolveWorkers()

	aggregate := branchtable.New()
	var aggMu sync.Mutex

	newState := func(workerIndex int) interface{} {
		return &workerState{
			dag:   dag.Duplicate(),
			root:  root,
			rng:   rand.New(rand.NewSource(workerSeed(cfg.BaseSeed, workerIndex))),
			table: branchtable.New(),
		}
	}
	freeState := func(state interface{}) {
		ws := state.(*workerState)
		aggMu.Lock()
		aggregate.Merge(ws.table)
		aggMu.Unlock()
	}

	q := jobqueue.New(workers, newState, freeState)

	var (
		mu       sync.Mutex
		firstErr error
	)
	allSamples := idx.AllSamples()
	kcfg := kernel.DefaultKernelConfig()
	kcfg.IncludeSingletons = cfg.IncludeSingletons

	for i := 0; i < cfg.Replicates; i++ {
		q.AddJob(func(state interface{}) {
			ws := state.(*workerState)
			ws.dag.Clear(ws.root)
			mrca, err := kernel.Simulate(ws.dag, ws.root, idx, ws.rng)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			kernel.Tabulate(mrca, allSamples, kcfg, ws.table)
		})
	}
	q.Shutdown()

	if firstErr != nil {
		return nil, fmt.Errorf("replicate: replicate failed: %w", firstErr)
	}

	aggregate.DivideBy(float64(cfg.Replicates))
	if err := aggregate.Normalize(); err != nil {
		return nil, fmt.Errorf("replicate: %w", err)
	}
	return aggregate, nil
}

// workerSeed derives worker i's RNG seed from a base seed, via SipHash-2-4
// so small worker counts still get well-decorrelated streams (spec.md §9's
// "seed = base + thread_index" generalized per SPEC_FULL.md §4.5).
func workerSeed(base uint64, i int) int64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(i))
	h := siphash.Hash(base, ^base, buf[:])
	return int64(h)
}
