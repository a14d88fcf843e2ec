// Package orchestrator runs a queue of tasks on a fixed pool of workers.
//
// Each worker takes the next task from a shared FIFO queue and runs its
// pipeline to completion. A failed task is logged and recorded; the worker
// moves on. Two optional loops run alongside the workers: a metrics loop that
// publishes per-pipeline counter deltas, and a suspension loop that follows
// an external status and suspends or resumes every active pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"docfeed/internal/metrics"
	"docfeed/internal/pipeline"
	"docfeed/internal/suspend"
)

// Task is one queued unit of work. Open builds its pipeline when a worker
// picks it up.
type Task struct {
	Name string
	Open func(ctx context.Context) (*pipeline.Pipeline, error)
}

// Config tunes an Orchestrator.
type Config struct {
	Job string

	// Workers is the pool size. Default 1.
	Workers int

	// MetricsInterval enables the metrics loop when positive.
	MetricsInterval time.Duration

	// Status enables the suspension loop when set.
	Status suspend.Status

	// PollInterval is used when Status cannot push changes. Default 5s.
	PollInterval time.Duration
}

// Result is the outcome of one task.
type Result struct {
	Task  string
	Stats pipeline.Stats
	Err   error
}

type active struct {
	worker int
	last   pipeline.Stats
}

// Orchestrator is safe for one Run at a time; Shutdown may be called from
// any goroutine.
type Orchestrator struct {
	cfg Config

	mu        sync.Mutex
	active    map[*pipeline.Pipeline]*active
	suspended bool
	cancel    context.CancelFunc
	results   []Result
}

// New returns an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Orchestrator{cfg: cfg, active: map[*pipeline.Pipeline]*active{}}
}

// Run executes tasks until the queue is empty or ctx is cancelled. Results
// are in completion order. The error aggregates every failed task.
func (o *Orchestrator) Run(ctx context.Context, tasks []Task) ([]Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancel = cancel
	o.results = nil
	o.mu.Unlock()

	if o.cfg.Status != nil {
		// settle the initial state so no pipeline starts writing while suspended
		if on, err := o.cfg.Status.Suspended(ctx); err != nil {
			log.Warnf("orchestrator: suspension status: %v", err)
		} else {
			o.setSuspended(ctx, on)
		}
	}

	queue := make(chan Task, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	auxCtx, stopAux := context.WithCancel(ctx)
	var aux sync.WaitGroup
	if o.cfg.MetricsInterval > 0 {
		aux.Add(1)
		go func() {
			defer aux.Done()
			o.metricsLoop(auxCtx)
		}()
	}
	if o.cfg.Status != nil {
		aux.Add(1)
		go func() {
			defer aux.Done()
			o.suspensionLoop(auxCtx)
		}()
	}

	log.Infof("orchestrator: job=%s tasks=%d workers=%d", o.cfg.Job, len(tasks), o.cfg.Workers)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			for t := range queue {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.runTask(gctx, worker, t)
			}
			return nil
		})
	}
	waitErr := g.Wait()

	stopAux()
	aux.Wait()
	o.publish()
	if err := metrics.Flush(); err != nil {
		log.Warnf("orchestrator: metrics flush: %v", err)
	}

	o.mu.Lock()
	results := o.results
	o.mu.Unlock()

	var result *multierror.Error
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			result = multierror.Append(result, fmt.Errorf("task %s: %w", r.Task, r.Err))
		}
	}
	if waitErr != nil && len(results) < len(tasks) {
		result = multierror.Append(result, fmt.Errorf("orchestrator: %d task(s) not run: %w", len(tasks)-len(results), waitErr))
	}
	log.Infof("orchestrator: done tasks=%d failed=%d elapsed=%s",
		len(results), failed, time.Since(start).Truncate(time.Millisecond))
	return results, result.ErrorOrNil()
}

func (o *Orchestrator) runTask(ctx context.Context, worker int, t Task) {
	entry := log.WithFields(log.Fields{"task": t.Name, "worker": worker})
	p, err := t.Open(ctx)
	if err != nil {
		entry.Errorf("orchestrator: open: %v", err)
		o.record(Result{Task: t.Name, Err: fmt.Errorf("open: %w", err)})
		return
	}

	o.mu.Lock()
	o.active[p] = &active{worker: worker}
	if o.suspended {
		p.Suspend()
	}
	o.mu.Unlock()

	st, err := p.Run(ctx)

	o.publish()
	o.mu.Lock()
	delete(o.active, p)
	o.mu.Unlock()
	metrics.SetInFlight(o.cfg.Job, worker, 0)

	if cerr := p.Close(); cerr != nil {
		entry.Warnf("orchestrator: %v", cerr)
	}
	o.record(Result{Task: t.Name, Stats: st, Err: err})
}

func (o *Orchestrator) record(r Result) {
	o.mu.Lock()
	o.results = append(o.results, r)
	o.mu.Unlock()
}

// Shutdown cancels the workers and aborts every active pipeline.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	cancel := o.cancel
	ps := make([]*pipeline.Pipeline, 0, len(o.active))
	for p := range o.active {
		ps = append(ps, p)
	}
	o.mu.Unlock()

	log.Infof("orchestrator: shutting down, aborting %d pipeline(s)", len(ps))
	if cancel != nil {
		cancel()
	}
	for _, p := range ps {
		p.Abort()
	}
}

// Suspended reports the last status applied to the pipelines.
func (o *Orchestrator) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

// Active returns the stats of the running pipelines.
func (o *Orchestrator) Active() []pipeline.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]pipeline.Stats, 0, len(o.active))
	for p := range o.active {
		out = append(out, p.Stats())
	}
	return out
}

func (o *Orchestrator) suspensionLoop(ctx context.Context) {
	if w, ok := o.cfg.Status.(suspend.Watcher); ok {
		ch, err := w.Watch(ctx)
		if err == nil {
			for on := range ch {
				o.setSuspended(ctx, on)
			}
			if ctx.Err() != nil {
				return
			}
			log.Warnf("orchestrator: suspension watch ended; polling every %s", o.cfg.PollInterval)
		} else {
			log.Warnf("orchestrator: watch suspension status: %v; polling every %s", err, o.cfg.PollInterval)
		}
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			on, err := o.cfg.Status.Suspended(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warnf("orchestrator: suspension status: %v", err)
				}
				continue
			}
			o.setSuspended(ctx, on)
		}
	}
}

// setSuspended applies a status change to every active pipeline.
func (o *Orchestrator) setSuspended(ctx context.Context, on bool) {
	o.mu.Lock()
	if o.suspended == on {
		o.mu.Unlock()
		return
	}
	o.suspended = on
	ps := make([]*pipeline.Pipeline, 0, len(o.active))
	for p := range o.active {
		ps = append(ps, p)
	}
	o.mu.Unlock()

	if on {
		log.Warnf("orchestrator: destination suspended, pausing %d pipeline(s)", len(ps))
		for _, p := range ps {
			p.Suspend()
		}
		return
	}
	log.Infof("orchestrator: destination available, resuming %d pipeline(s)", len(ps))
	for _, p := range ps {
		if err := p.Resume(ctx); err != nil {
			log.WithField("task", p.Task()).Errorf("orchestrator: resume: %v", err)
		}
	}
}

func (o *Orchestrator) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.publish()
			if err := metrics.Flush(); err != nil {
				log.Warnf("orchestrator: metrics flush: %v", err)
			}
		}
	}
}

// publish records the counter deltas of every active pipeline since the
// previous call.
func (o *Orchestrator) publish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	job := o.cfg.Job
	for p, a := range o.active {
		st := p.Stats()
		prev := a.last
		metrics.RecordRows(job, "read", st.Rows-prev.Rows)
		metrics.RecordRows(job, "row_errors", st.RowErrors-prev.RowErrors)
		metrics.RecordRows(job, "conflicts", st.Conflicts-prev.Conflicts)
		metrics.RecordRows(job, "skipped", st.Skipped-prev.Skipped)
		metrics.RecordDocs(job, "emitted", st.Documents-prev.Documents)
		metrics.RecordDocs(job, "sent", st.Dispatch.Sent-prev.Dispatch.Sent)
		metrics.RecordDocs(job, "failed", st.Dispatch.Failed-prev.Dispatch.Failed)
		metrics.RecordBatches(job, st.Dispatch.Batches-prev.Dispatch.Batches)
		metrics.SetInFlight(job, a.worker, st.Dispatch.InFlight)
		a.last = st
	}
}
