// Package jobqueue is a bounded thread pool: a fixed-size set of worker
// goroutines pulling independent jobs off a shared queue, with per-worker
// state built by a caller-supplied constructor and torn down by a
// destructor on shutdown (spec.md §4.6).
package jobqueue

import (
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
)

// logger is the package-scoped logger for worker failures (spec.md §4.6,
// §7: "a job that fails fatally ... must report through an out-of-band
// channel"; the pool logs the failure here but never propagates it to the
// caller or crashes the pool).
var logger = log.New(os.Stderr, "jobqueue: ", log.Lshortfile)

// Job is one unit of work submitted to the queue. state is whatever the
// pool's constructor built for the worker executing this job (e.g. a
// per-thread RNG); it must not be shared or retained across jobs.
type Job func(state interface{})

// Queue is a bounded thread pool with exactly the states spec.md §4.6
// describes per worker: idle (waiting on wakeWorker), running (executing a
// job), and terminating (queue closed and drained).
type Queue struct {
	mu         sync.Mutex
	wakeWorker *sync.Cond
	wakeMain   *sync.Cond
	wg         sync.WaitGroup

	jobs      []queuedJob
	accepting bool
	idle      int
	threads   int

	newState  func(workerIndex int) interface{}
	freeState func(interface{})
}

type queuedJob struct {
	id  uuid.UUID
	run Job
}

// New starts a pool of n workers. newState, if non-nil, is called once per
// worker (with its 0-based index) to build that worker's private state;
// freeState, if non-nil, is called once when a worker exits.
func New(n int, newState func(workerIndex int) interface{}, freeState func(interface{})) *Queue {
	q := &Queue{
		accepting: true,
		threads:   n,
		newState:  newState,
		freeState: freeState,
	}
	q.wakeWorker = sync.NewCond(&q.mu)
	q.wakeMain = sync.NewCond(&q.mu)

	var started sync.WaitGroup
	started.Add(n)
	q.wg.Add(n)
	for i := 0; i < n; i++ {
		go q.worker(i, &started)
	}
	started.Wait()
	return q
}

func (q *Queue) worker(index int, started *sync.WaitGroup) {
	defer q.wg.Done()

	var state interface{}
	if q.newState != nil {
		state = q.newState(index)
	}
	if q.freeState != nil {
		defer q.freeState(state)
	}

	q.mu.Lock()
	q.idle++
	q.mu.Unlock()
	started.Done()

	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && q.accepting {
			q.wakeWorker.Wait()
		}
		if len(q.jobs) == 0 && !q.accepting {
			q.idle--
			q.mu.Unlock()
			q.wakeMain.Broadcast()
			return // terminating: queue closed and empty
		}
		job := q.jobs[len(q.jobs)-1]
		q.jobs = q.jobs[:len(q.jobs)-1]
		q.idle--
		q.mu.Unlock()

		q.runJob(job, state) // running: no job ever holds q.mu

		q.mu.Lock()
		q.idle++
		allDone := len(q.jobs) == 0 && q.idle == q.threads
		q.mu.Unlock()
		if allDone {
			q.wakeMain.Broadcast()
		}
	}
}

// runJob executes job.run, recovering a panic so one failing job cannot
// take down the worker or the pool (spec.md §7: "the pool itself does not
// propagate exceptions"). A recovered panic is logged with the job's id so
// a failure is traceable without instrumenting the hot path.
func (q *Queue) runJob(job queuedJob, state interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("job %s failed: %v", job.id, r)
		}
	}()
	job.run(state)
}

// AddJob enqueues a job. If any worker is idle, it is woken; jobs are
// otherwise picked up as workers free up. Jobs are independent and run in
// unspecified order (spec.md §4.6).
func (q *Queue) AddJob(job Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, queuedJob{id: uuid.New(), run: job})
	q.mu.Unlock()
	q.wakeWorker.Signal()
}

// NoMoreJobs flags the queue closed: once drained, every worker transitions
// to terminating. Safe to call exactly once per Queue.
func (q *Queue) NoMoreJobs() {
	q.mu.Lock()
	q.accepting = false
	q.mu.Unlock()
	q.wakeWorker.Broadcast()
}

// WaitOnJobs blocks until the queue is empty and every worker is idle.
func (q *Queue) WaitOnJobs() {
	q.mu.Lock()
	for !(len(q.jobs) == 0 && q.idle == q.threads) {
		q.wakeMain.Wait()
	}
	q.mu.Unlock()
}

// Shutdown closes the queue and blocks until every worker has drained the
// queue and exited (its destructor, if any, has run). Closing the queue is
// the only shutdown path; there is no mid-job cancellation (spec.md §5).
func (q *Queue) Shutdown() {
	q.NoMoreJobs()
	q.wg.Wait()
}
