package jobqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobRunsAllJobs(t *testing.T) {
	q := New(4, nil, nil)
	defer q.Shutdown()

	var count int64
	const n = 200
	for i := 0; i < n; i++ {
		q.AddJob(func(state interface{}) {
			atomic.AddInt64(&count, 1)
		})
	}
	q.WaitOnJobs()

	if got := atomic.LoadInt64(&count); got != n {
		t.Fatalf("ran %d jobs, want %d", got, n)
	}
}

func TestPerWorkerStateConstructorDestructor(t *testing.T) {
	var built, freed int64
	q := New(3, func(workerIndex int) interface{} {
		atomic.AddInt64(&built, 1)
		return workerIndex
	}, func(state interface{}) {
		atomic.AddInt64(&freed, 1)
	})

	q.AddJob(func(state interface{}) {})
	q.WaitOnJobs()
	q.Shutdown()

	if built != 3 {
		t.Errorf("built = %d, want 3", built)
	}
	if freed != 3 {
		t.Errorf("freed = %d, want 3", freed)
	}
}

func TestWaitOnJobsBlocksUntilDrained(t *testing.T) {
	q := New(2, nil, nil)
	defer q.Shutdown()

	var mu sync.Mutex
	done := false

	q.AddJob(func(state interface{}) {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		done = true
		mu.Unlock()
	})
	q.WaitOnJobs()

	mu.Lock()
	defer mu.Unlock()
	if !done {
		t.Fatalf("WaitOnJobs returned before job completed")
	}
}

func TestShutdownDrainsBeforeExit(t *testing.T) {
	q := New(4, nil, nil)
	var count int64
	for i := 0; i < 50; i++ {
		q.AddJob(func(state interface{}) {
			atomic.AddInt64(&count, 1)
		})
	}
	q.Shutdown()
	if got := atomic.LoadInt64(&count); got != 50 {
		t.Fatalf("jobs completed at Shutdown = %d, want 50", got)
	}
}

func TestPanicInOneJobDoesNotStopThePool(t *testing.T) {
	q := New(2, nil, nil)
	defer q.Shutdown()

	q.AddJob(func(state interface{}) {
		panic("boom")
	})
	q.WaitOnJobs()

	var ran int64
	q.AddJob(func(state interface{}) {
		atomic.AddInt64(&ran, 1)
	})
	q.WaitOnJobs()

	if atomic.LoadInt64(&ran) != 1 {
		t.Fatalf("pool did not keep running jobs after a panic")
	}
}

func TestJobsAreIndependentAcrossWorkers(t *testing.T) {
	q := New(8, func(workerIndex int) interface{} { return workerIndex }, nil)
	defer q.Shutdown()

	seen := make(chan int, 64)
	for i := 0; i < 64; i++ {
		q.AddJob(func(state interface{}) {
			seen <- state.(int)
		})
	}
	q.WaitOnJobs()
	close(seen)

	count := 0
	for range seen {
		count++
	}
	if count != 64 {
		t.Fatalf("observed %d job completions, want 64", count)
	}
}
