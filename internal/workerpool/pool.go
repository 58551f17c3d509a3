// ============================================================================
// dspy-jobsvc Worker Pool
// ============================================================================
//
// Package: internal/workerpool
// Purpose: a fixed-size pool of long-lived goroutines that drain the
// pending-job queue and drive each job through validate -> run -> terminal
// state, adapted from the teacher's internal/worker.Pool task/result
// channel shape merged with internal/controller's dispatch/result loop
// decomposition, collapsed down to the scheduler's own state machine: one
// goroutine per worker, one FIFO pending queue, one cancel-flag table, one
// mutex guarding all three in-memory structures.
//
// ============================================================================

package workerpool

import (
	"sync"
	"sync/atomic"
	"time"

	"oss.nandlabs.io/golly/collections"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/artifacts"
	"github.com/hexdrift/dspy-jobsvc/internal/logging"
	"github.com/hexdrift/dspy-jobsvc/internal/runner"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// Options configures a Pool.
type Options struct {
	Concurrency        int
	PollInterval       time.Duration
	CancelPollInterval time.Duration
	StaleThreshold     time.Duration
	ExecutorName       string
}

// Pool is the fixed-size worker pool driving jobs through their lifecycle.
type Pool struct {
	mu sync.Mutex

	store     jobstore.Store
	registry  *executor.Registry
	runner    *runner.Runner
	artifacts *artifacts.Store
	log       *logging.Logger

	opts Options

	pendingQueue  collections.Queue[types.JobID]
	processingSet map[types.JobID]struct{}
	cancelFlags   map[types.JobID]*atomic.Bool

	lastActivity []atomic.Int64 // one slot per worker, unix nanos

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New returns a Pool ready to Start. ids is the set of pending job ids
// recovered at startup (jobstore.Store.RecoverPendingJobs), pre-enqueued
// so the queue is warm before the first HTTP request is served.
func New(store jobstore.Store, registry *executor.Registry, r *runner.Runner, artifactStore *artifacts.Store, log *logging.Logger, opts Options, ids []types.JobID) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	p := &Pool{
		store:         store,
		registry:      registry,
		runner:        r,
		artifacts:     artifactStore,
		log:           log,
		opts:          opts,
		pendingQueue:  collections.NewSyncQueue[types.JobID](),
		processingSet: make(map[types.JobID]struct{}),
		cancelFlags:   make(map[types.JobID]*atomic.Bool),
		lastActivity:  make([]atomic.Int64, opts.Concurrency),
		stopCh:        make(chan struct{}),
	}
	for _, id := range ids {
		p.Enqueue(id)
	}
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.running.Store(true)
	p.wg.Add(p.opts.Concurrency)
	for i := 0; i < p.opts.Concurrency; i++ {
		go p.workerLoop(i)
	}
}

// Enqueue appends job_id to the pending queue and creates its cancel flag,
// unless it is already pending or being processed.
func (p *Pool) Enqueue(id types.JobID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(id)
}

func (p *Pool) enqueueLocked(id types.JobID) {
	if _, processing := p.processingSet[id]; processing {
		return
	}
	if p.pendingQueue.Contains(id) {
		return
	}
	_ = p.pendingQueue.Enqueue(id)
	p.cancelFlags[id] = &atomic.Bool{}
}

// Cancel sets job_id's cancel flag. If the job is still queued and has
// never started, it is removed from the queue and its flag discarded
// immediately, since mark_job_done never runs for a job that never
// started. Returns false if the job is unknown to the pool.
func (p *Pool) Cancel(id types.JobID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	flag, ok := p.cancelFlags[id]
	if !ok {
		return false
	}
	flag.Store(true)

	if p.pendingQueue.Contains(id) {
		p.pendingQueue.Remove(id)
		delete(p.cancelFlags, id)
	}
	return true
}

// Stop stops accepting new work, clears the pending queue (setting every
// cancel flag so any job mid-process observes cancellation on its next
// poll), and waits up to timeout in total for every worker goroutine to
// exit.
func (p *Pool) Stop(timeout time.Duration) {
	p.running.Store(false)

	p.mu.Lock()
	for {
		id, err := p.pendingQueue.Dequeue()
		if err != nil {
			break
		}
		if flag, ok := p.cancelFlags[id]; ok {
			flag.Store(true)
		}
	}
	for _, flag := range p.cancelFlags {
		flag.Store(true)
	}
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.log.Error("worker pool did not drain within shutdown timeout")
	}
}

// Status mirrors the GET /queue endpoint's shape.
type Status struct {
	PendingJobs   int
	ActiveJobs    int
	WorkerThreads int
	WorkersAlive  bool
}

// GetStatus implements the GET /queue contract.
func (p *Pool) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		PendingJobs:   p.pendingQueue.Size(),
		ActiveJobs:    len(p.processingSet),
		WorkerThreads: p.opts.Concurrency,
		WorkersAlive:  p.running.Load(),
	}
}

// SecondsSinceLastActivity returns the time since the most recent
// recorded activity across all workers, used by the health check to
// detect a stalled (but technically alive) pool.
func (p *Pool) SecondsSinceLastActivity() float64 {
	var latest int64
	for i := range p.lastActivity {
		if v := p.lastActivity[i].Load(); v > latest {
			latest = v
		}
	}
	if latest == 0 {
		return 0
	}
	return time.Since(time.Unix(0, latest)).Seconds()
}

// IsStale reports whether the pool has gone quiet for longer than
// StaleThreshold, the condition GET /health uses to return 503.
func (p *Pool) IsStale() bool {
	return p.running.Load() && p.SecondsSinceLastActivity() > p.opts.StaleThreshold.Seconds()
}

func (p *Pool) touchActivity(worker int) {
	p.lastActivity[worker].Store(time.Now().UnixNano())
}

func (p *Pool) workerLoop(worker int) {
	defer p.wg.Done()
	p.touchActivity(worker)

	idleCycles := 0
	for p.running.Load() {
		id, err := p.popPending()
		if err != nil {
			idleCycles++
			if idleCycles%heartbeatEvery == 0 {
				p.touchActivity(worker)
			}
			select {
			case <-time.After(p.opts.PollInterval):
			case <-p.stopCh:
				return
			}
			continue
		}
		idleCycles = 0
		p.touchActivity(worker)

		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.ErrorF("worker %d: job %s panicked: %v", worker, id, r)
				}
			}()
			if err := p.processJob(worker, id); err != nil {
				p.log.ErrorF("worker %d: job %s: %v", worker, id, err)
			}
		}()

		p.markDone(id)
	}
}

const heartbeatEvery = 20

func (p *Pool) popPending() (types.JobID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := p.pendingQueue.Dequeue()
	if err != nil {
		return "", err
	}
	p.processingSet[id] = struct{}{}
	return id, nil
}

func (p *Pool) markDone(id types.JobID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.processingSet, id)
	delete(p.cancelFlags, id)
}

func (p *Pool) isCancelled(id types.JobID) bool {
	p.mu.Lock()
	flag, ok := p.cancelFlags[id]
	p.mu.Unlock()
	return ok && flag.Load()
}
