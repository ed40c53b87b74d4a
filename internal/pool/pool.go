// Package pool implements the bounded concurrency gate the scheduler
// dispatches acquisition/pipeline jobs through: per-key dedup so no two
// in-flight jobs for the same source overlap, a slot semaphore bounding
// concurrent work, and per-job timeouts with counted outcomes.
//
// The spec's contract describes out-of-process child workers
// (`add_job`/`wait_all`/`cleanup`, `--worker` subprocess spawn, a
// self-timeout alarm, a heartbeat-file janitor). This implementation
// keeps that contract's semantics — dedup key, bounded wait for a free
// slot, timeout→force-terminate, reap-driven counters — but realizes it
// with a goroutine worker pool instead of forked processes, per the
// daemon's single-binary design. See DESIGN.md for the `--worker` CLI
// shim that preserves the subprocess entry point for compatibility.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aviationwx/hub/internal/logger"
)

const globalWaitBound = 5 * time.Minute

// Outcome classifies how one job finished.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
)

// Job is one unit of work submitted to the pool.
type Job struct {
	// Key is the dedup key; no two jobs with the same key run
	// concurrently. For webcams this is (airport, cam_index); for
	// weather sources, (airport, source).
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Counters tracks cumulative outcomes across the pool's lifetime.
type Counters struct {
	Completed int64
	TimedOut  int64
	Failed    int64
}

// Pool bounds concurrent job execution to MaxWorkers, deduplicating by
// key and timing out individual jobs.
type Pool struct {
	name       string
	maxWorkers int
	sem        chan struct{}

	mu       sync.Mutex
	active   map[string]struct{}
	counters Counters
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger
}

func New(name string, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:       name,
		maxWorkers: maxWorkers,
		sem:        make(chan struct{}, maxWorkers),
		active:     make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		log:        logger.Default().With("component", "pool", "pool", name),
	}
}

// AddJob forms a dedup key from job.Key, skips if an active job with
// that key exists, otherwise blocks until a slot is free (bounded by
// globalWaitBound) and dispatches the job asynchronously. Returns
// enqueued=false without error when the job was skipped as a duplicate
// or when the pool is shutting down.
func (p *Pool) AddJob(job Job) (enqueued bool, err error) {
	p.mu.Lock()
	if _, inFlight := p.active[job.Key]; inFlight {
		p.mu.Unlock()
		return false, nil
	}
	p.active[job.Key] = struct{}{}
	p.mu.Unlock()

	waitCtx, waitCancel := context.WithTimeout(p.ctx, globalWaitBound)
	defer waitCancel()

	select {
	case p.sem <- struct{}{}:
	case <-waitCtx.Done():
		p.mu.Lock()
		delete(p.active, job.Key)
		p.mu.Unlock()
		if p.ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("pool %s: timed out waiting %s for a free slot", p.name, globalWaitBound)
	}

	p.wg.Add(1)
	go p.runJob(job)
	return true, nil
}

func (p *Pool) runJob(job Job) {
	defer p.wg.Done()
	defer func() { <-p.sem }()
	defer func() {
		p.mu.Lock()
		delete(p.active, job.Key)
		p.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked", "key", job.Key, "panic", r)
			p.recordOutcome(OutcomeFailed)
		}
	}()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	jobCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	err := job.Run(jobCtx)

	switch {
	case jobCtx.Err() == context.DeadlineExceeded:
		p.log.Warn("job timed out", "key", job.Key, "timeout", timeout)
		p.recordOutcome(OutcomeTimedOut)
	case err != nil:
		p.log.Warn("job failed", "key", job.Key, "error", err)
		p.recordOutcome(OutcomeFailed)
	default:
		p.recordOutcome(OutcomeCompleted)
	}
}

func (p *Pool) recordOutcome(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch o {
	case OutcomeCompleted:
		p.counters.Completed++
	case OutcomeTimedOut:
		p.counters.TimedOut++
	case OutcomeFailed:
		p.counters.Failed++
	}
}

// WaitAll blocks until every currently-submitted job has reaped, then
// returns the cumulative outcome counters.
func (p *Pool) WaitAll() Counters {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// Counters returns a snapshot of cumulative outcomes without blocking.
func (p *Pool) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// InFlight reports how many jobs are currently running.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Cleanup cancels every in-flight job's context (the goroutine
// equivalent of terminating remaining child processes) and waits for
// them to unwind.
func (p *Pool) Cleanup() {
	p.cancel()
	p.wg.Wait()
}
