// Package pipeline runs one task: a source streams rows into a boundary
// detector, closed documents go to a dispatcher, and the dispatcher writes
// batches to a sink.
//
// Run is strictly sequential on the calling goroutine except for the sink
// calls the dispatcher starts. Suspend, Resume, Abort and Stats may be called
// from other goroutines while Run is in progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"docfeed/internal/boundary"
	"docfeed/internal/dispatch"
	"docfeed/internal/metrics"
	"docfeed/internal/sink"
	"docfeed/internal/source"
)

// ErrAborted is returned by Run after Abort.
var ErrAborted = errors.New("pipeline aborted")

// Config names the task and tunes its detector and dispatcher.
type Config struct {
	Job      string
	Task     string
	Detector boundary.Options
	Dispatch dispatch.Config
}

// Stats combines the counters of every stage.
type Stats struct {
	Task         string
	Rows         int64
	RowErrors    int64
	Documents    int64
	RawDocuments int64
	Conflicts    int64
	Skipped      int64
	Dispatch     dispatch.Stats
	Elapsed      time.Duration
}

// Pipeline is one source → detector → dispatcher → sink chain.
type Pipeline struct {
	cfg  Config
	src  source.Source
	snk  sink.Sink
	det  *boundary.Detector
	disp *dispatch.Dispatcher

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted bool
	started time.Time
	elapsed time.Duration
}

// New wires src to snk.
func New(src source.Source, snk sink.Sink, cfg Config) *Pipeline {
	if cfg.Dispatch.Name == "" {
		cfg.Dispatch.Name = cfg.Task
	}
	disp := dispatch.New(snk, cfg.Dispatch)
	return &Pipeline{
		cfg:  cfg,
		src:  src,
		snk:  snk,
		disp: disp,
		det:  boundary.New(disp, cfg.Detector),
	}
}

// Task is the task name.
func (p *Pipeline) Task() string { return p.cfg.Task }

// Run streams the source to completion and flushes the dispatcher. Sink
// failures collected along the way are returned together with any stream
// error.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return p.Stats(), ErrAborted
	}
	p.cancel = cancel
	p.started = time.Now()
	p.mu.Unlock()

	entry := log.WithFields(log.Fields{"job": p.cfg.Job, "task": p.cfg.Task})
	entry.Infof("pipeline: started batch=%d", p.cfg.Dispatch.BatchSize)

	var result *multierror.Error
	if err := p.src.Stream(ctx, p.det); err != nil {
		result = multierror.Append(result, fmt.Errorf("stream: %w", err))
	}
	if err := p.disp.Flush(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("flush: %w", err))
	}

	p.mu.Lock()
	p.elapsed = time.Since(p.started)
	aborted := p.aborted
	p.mu.Unlock()

	err := result.ErrorOrNil()
	if aborted {
		err = multierror.Append(ErrAborted, err).ErrorOrNil()
	}
	st := p.Stats()
	logSummary(entry, st, err)
	metrics.RecordStep(p.cfg.Job, "task:"+p.cfg.Task, err, st.Elapsed)
	return st, err
}

// Suspend pauses the source between rows and parks full batches.
func (p *Pipeline) Suspend() {
	p.src.Suspend()
	p.disp.Suspend()
}

// Resume releases parked batches, then lets the source continue.
func (p *Pipeline) Resume(ctx context.Context) error {
	err := p.disp.Resume(ctx)
	p.src.Resume()
	return err
}

// Suspended reports whether the dispatcher is parked.
func (p *Pipeline) Suspended() bool { return p.disp.Suspended() }

// Abort cancels a running Run, or makes the next Run return immediately.
// Batches already handed to the sink are allowed to finish.
func (p *Pipeline) Abort() {
	p.mu.Lock()
	p.aborted = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.src.Resume()
}

// Stats returns a snapshot of every stage's counters.
func (p *Pipeline) Stats() Stats {
	ds := p.det.Stats()
	st := Stats{
		Task:         p.cfg.Task,
		Rows:         ds.Rows,
		Documents:    ds.Documents,
		RawDocuments: ds.RawDocuments,
		Conflicts:    ds.Conflicts,
		Skipped:      ds.Skipped,
		Dispatch:     p.disp.Stats(),
	}
	if ec, ok := p.src.(source.ErrorCounter); ok {
		st.RowErrors = ec.RowErrors()
	}
	p.mu.Lock()
	switch {
	case p.elapsed > 0:
		st.Elapsed = p.elapsed
	case !p.started.IsZero():
		st.Elapsed = time.Since(p.started)
	}
	p.mu.Unlock()
	return st
}

// Close closes the sink and, when it holds resources, the source.
func (p *Pipeline) Close() error {
	var result *multierror.Error
	if err := p.snk.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close sink: %w", err))
	}
	if c, ok := p.src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close source: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func logSummary(entry *log.Entry, st Stats, err error) {
	d := st.Dispatch
	entry.Infof(
		"summary: rows=%d row_errors=%d documents=%d raw=%d conflicts=%d skipped=%d batches=%d sent=%d failed=%d timeouts=%d max_inflight=%d elapsed=%s",
		st.Rows, st.RowErrors, st.Documents, st.RawDocuments, st.Conflicts, st.Skipped,
		d.Batches, d.Sent, d.Failed, d.Timeouts, d.MaxInFlight, st.Elapsed.Truncate(time.Millisecond),
	)
	if err != nil {
		entry.Errorf("pipeline: failed: %v", err)
	}
}
