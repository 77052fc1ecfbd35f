// Package workerpool is the shared bounded background task pool the
// TTL-sweep and changefeed-trim loops submit work to. Compaction runs
// in the KV engine's own compactor loop, not here.
//
// N worker goroutines drain one shared bounded channel, so every
// background concern competes for the same fixed resource budget
// instead of each spawning its own unbounded goroutine.
package workerpool

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/dblog"
	"github.com/cuemby/themisdb/internal/metrics"
)

// Job is one unit of background work. It returns nothing, so the pool
// neither observes nor retries a failure; the TTL sweeper, for one,
// logs its own errors and re-submits on its own ticker regardless of
// the previous pass's outcome.
type Job func()

// Pool runs Jobs on a fixed number of worker goroutines draining a
// bounded queue. Submit past the queue's capacity fails fast with a
// Busy error rather than blocking the submitter, the backpressure
// signal foreground writers translate into a Busy result.
type Pool struct {
	name    string
	jobs    chan Job
	wg      sync.WaitGroup
	closed  atomic.Bool
	queued  atomic.Int64
	running atomic.Int64
}

// New starts a Pool with workers goroutines draining a queue of
// capacity queueSize. name labels the pool's backpressure metric.
func New(name string, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &Pool{name: name, jobs: make(chan Job, queueSize)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.queued.Add(-1)
		p.running.Add(1)
		job()
		p.running.Add(-1)
	}
}

// Submit enqueues job for execution. Returns a Busy error immediately
// if the queue is already at capacity, never blocking the caller.
func (p *Pool) Submit(job Job) error {
	if p.closed.Load() {
		return dberr.New(dberr.Internal, "workerpool: submit after close")
	}
	select {
	case p.jobs <- job:
		p.queued.Add(1)
		return nil
	default:
		dblog.Warn("workerpool: queue full, rejecting job")
		metrics.BackpressureRejectionsTotal.WithLabelValues(p.name).Inc()
		return dberr.New(dberr.Busy, "workerpool: queue at capacity")
	}
}

// Stats reports the pool's current load, used by the health/metrics
// surface.
type Stats struct {
	Queued  int64
	Running int64
}

func (p *Pool) Stats() Stats {
	return Stats{Queued: p.queued.Load(), Running: p.running.Load()}
}

// Close stops accepting new jobs and waits for queued and in-flight
// jobs to finish.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}
