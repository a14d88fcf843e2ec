// Package dispatch batches closed documents and hands them to a sink under a
// concurrency ceiling.
//
// Submit groups documents into batches of Config.BatchSize. A full batch waits
// for a free slot on the Limiter, bounded by Config.WaitInterval per attempt
// and Config.MaxTimeouts attempts, and is then written on its own goroutine.
// Completions may arrive out of order; batches are started in submission
// order. While suspended, full batches are parked and released in order on
// Resume. Sink failures are retried, collected and returned by the next Flush.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"docfeed/internal/document"
	"docfeed/internal/sink"
)

// Config tunes a Dispatcher. Zero values take the defaults below.
type Config struct {
	// Name labels log lines, usually the task name.
	Name string

	// BatchSize is the number of documents per sink request. Default 100.
	BatchSize int

	// MaxConcurrent is the ceiling when Limiter is nil. Default 4.
	MaxConcurrent int

	// Limiter overrides MaxConcurrent with a (possibly shared) ceiling.
	Limiter *Limiter

	// WaitInterval bounds one wait for capacity or drain. Default 5s.
	WaitInterval time.Duration

	// MaxTimeouts is how many WaitIntervals a single wait may use before the
	// dispatcher fails. Default 12.
	MaxTimeouts int

	// SinkRetries is the number of attempts per batch. Default 1.
	SinkRetries uint

	// RetryDelay is the base backoff between attempts. Default 100ms.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 5 * time.Second
	}
	if c.MaxTimeouts <= 0 {
		c.MaxTimeouts = 12
	}
	if c.SinkRetries == 0 {
		c.SinkRetries = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	return c
}

// Stats is a point-in-time snapshot of a Dispatcher's counters.
type Stats struct {
	Submitted   int64
	Batches     int64
	Sent        int64
	Failed      int64
	Timeouts    int64
	InFlight    int64
	MaxInFlight int64
	Pending     int64
}

// Dispatcher is owned by one pipeline. Submit and Flush are called from the
// pipeline goroutine; Suspend, Resume and Stats may be called from any.
type Dispatcher struct {
	cfg     Config
	sink    sink.Sink
	bulk    sink.BulkSink
	limiter *Limiter

	mu        sync.Mutex
	batch     []*document.Document
	pending   [][]*document.Document
	suspended bool
	draining  bool
	inflight  int64
	changed   chan struct{}
	errs      *multierror.Error
	fatal     error

	submitted   atomic.Int64
	batches     atomic.Int64
	sent        atomic.Int64
	failed      atomic.Int64
	timeouts    atomic.Int64
	maxInflight atomic.Int64
}

// New returns a Dispatcher writing to s.
func New(s sink.Sink, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	l := cfg.Limiter
	if l == nil {
		l = NewLimiter(cfg.MaxConcurrent)
	}
	d := &Dispatcher{
		cfg:     cfg,
		sink:    s,
		limiter: l,
		changed: make(chan struct{}),
	}
	if b, ok := s.(sink.BulkSink); ok {
		d.bulk = b
	}
	return d
}

// Submit adds doc to the current batch and dispatches the batch once full.
// It returns a fatal error (TimeoutError) if the dispatcher has failed.
func (d *Dispatcher) Submit(ctx context.Context, doc *document.Document) error {
	d.mu.Lock()
	if d.fatal != nil {
		err := d.fatal
		d.mu.Unlock()
		return err
	}
	d.submitted.Add(1)
	d.batch = append(d.batch, doc)
	if len(d.batch) < d.cfg.BatchSize {
		d.mu.Unlock()
		return nil
	}
	b := d.batch
	d.batch = nil
	if d.suspended || d.draining {
		d.pending = append(d.pending, b)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.dispatch(ctx, b)
}

// Flush dispatches the partial batch, waits until nothing is in flight and
// flushes the sink. While suspended it first waits for Resume; cancelling ctx
// then drops the parked batches but still waits for the started ones. Outside
// suspension a cancelled ctx does not stop the drain. It returns the sink
// failures collected since the previous Flush.
func (d *Dispatcher) Flush(ctx context.Context) error {
	var b []*document.Document
	for {
		d.mu.Lock()
		if d.fatal != nil {
			err := d.fatal
			d.mu.Unlock()
			return err
		}
		if !d.suspended && !d.draining {
			b = d.batch
			d.batch = nil
			d.mu.Unlock()
			break
		}
		ch := d.changed
		d.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			// parked batches are dropped; started ones still finish
			if err := d.WaitIdle(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			return ctx.Err()
		}
	}

	if len(b) > 0 {
		if err := d.dispatch(ctx, b); err != nil {
			return err
		}
	}
	if err := d.WaitIdle(ctx); err != nil {
		return err
	}

	var result *multierror.Error
	if err := d.sink.Flush(context.WithoutCancel(ctx)); err != nil {
		result = multierror.Append(result, err)
	}
	d.mu.Lock()
	if d.errs != nil {
		result = multierror.Append(result, d.errs.Errors...)
		d.errs = nil
	}
	d.mu.Unlock()
	return result.ErrorOrNil()
}

// WaitIdle blocks until no batch is in flight. Each WaitInterval without
// progress counts as a timeout; exceeding MaxTimeouts is fatal. A cancelled
// ctx counts as one timeout and the wait continues detached from it, so
// started batches are never abandoned.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	timeouts := 0
	for {
		d.mu.Lock()
		if d.inflight == 0 {
			d.mu.Unlock()
			return nil
		}
		ch := d.changed
		d.mu.Unlock()

		timer := time.NewTimer(d.cfg.WaitInterval)
		select {
		case <-ch:
			timer.Stop()
			timeouts = 0
		case <-ctx.Done():
			timer.Stop()
			timeouts++
			d.timeouts.Add(1)
			log.Warnf("dispatch: %s: interrupted while %d batch(es) in flight, continuing",
				d.cfg.Name, d.inFlight())
			ctx = context.WithoutCancel(ctx)
		case <-timer.C:
			timeouts++
			d.timeouts.Add(1)
			log.Warnf("dispatch: %s: waiting for %d in-flight batch(es), timeout %d/%d",
				d.cfg.Name, d.inFlight(), timeouts, d.cfg.MaxTimeouts)
		}
		if timeouts > d.cfg.MaxTimeouts {
			return d.fail(&TimeoutError{Op: "drain", Timeouts: timeouts, Interval: d.cfg.WaitInterval})
		}
	}
}

// Suspend parks full batches until Resume. In-flight sink calls continue.
func (d *Dispatcher) Suspend() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.suspended {
		return
	}
	d.suspended = true
	d.notifyLocked()
	log.Infof("dispatch: %s: suspended", d.cfg.Name)
}

// Resume releases parked batches in submission order. A Suspend during the
// release stops it; the remaining batches stay parked.
func (d *Dispatcher) Resume(ctx context.Context) error {
	d.mu.Lock()
	if !d.suspended {
		d.mu.Unlock()
		return nil
	}
	d.suspended = false
	d.draining = true
	log.Infof("dispatch: %s: resumed, releasing %d parked batch(es)", d.cfg.Name, len(d.pending))
	for len(d.pending) > 0 && !d.suspended {
		b := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()
		if err := d.dispatch(ctx, b); err != nil {
			d.mu.Lock()
			d.draining = false
			d.notifyLocked()
			d.mu.Unlock()
			return err
		}
		d.mu.Lock()
	}
	d.draining = false
	d.notifyLocked()
	d.mu.Unlock()
	return nil
}

// Suspended reports whether the dispatcher is parked.
func (d *Dispatcher) Suspended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspended
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	inflight := d.inflight
	pending := int64(len(d.pending))
	d.mu.Unlock()
	return Stats{
		Submitted:   d.submitted.Load(),
		Batches:     d.batches.Load(),
		Sent:        d.sent.Load(),
		Failed:      d.failed.Load(),
		Timeouts:    d.timeouts.Load(),
		InFlight:    inflight,
		MaxInFlight: d.maxInflight.Load(),
		Pending:     pending,
	}
}

// dispatch waits for capacity and starts the sink call for b.
func (d *Dispatcher) dispatch(ctx context.Context, b []*document.Document) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	seq := d.batches.Add(1)

	d.mu.Lock()
	d.inflight++
	if d.inflight > d.maxInflight.Load() {
		d.maxInflight.Store(d.inflight)
	}
	d.mu.Unlock()

	// the batch must complete even if the caller is cancelled
	bctx := context.WithoutCancel(ctx)
	go func() {
		start := time.Now()
		err := d.send(bctx, b)

		d.limiter.Release()
		d.mu.Lock()
		d.inflight--
		if err != nil {
			d.errs = multierror.Append(d.errs, &SinkError{Batch: seq, Docs: len(b), Err: err})
		}
		d.notifyLocked()
		d.mu.Unlock()

		if err != nil {
			d.failed.Add(int64(len(b)))
			log.Errorf("dispatch: %s: batch #%d failed docs=%d err=%v", d.cfg.Name, seq, len(b), err)
			return
		}
		d.sent.Add(int64(len(b)))
		log.Debugf("dispatch: %s: batch #%d docs=%d took=%s", d.cfg.Name, seq, len(b),
			time.Since(start).Truncate(time.Millisecond))
	}()
	return nil
}

// acquire waits for a slot in WaitInterval steps. A cancelled ctx counts as
// one timeout and the wait continues detached from it.
func (d *Dispatcher) acquire(ctx context.Context) error {
	timeouts := 0
	for {
		wctx, cancel := context.WithTimeout(ctx, d.cfg.WaitInterval)
		err := d.limiter.Acquire(wctx)
		cancel()
		if err == nil {
			return nil
		}
		timeouts++
		d.timeouts.Add(1)
		if ctx.Err() != nil {
			log.Warnf("dispatch: %s: interrupted while waiting for capacity, continuing", d.cfg.Name)
			ctx = context.WithoutCancel(ctx)
		} else {
			log.Warnf("dispatch: %s: no capacity after %s (in_flight=%d limit=%d), timeout %d/%d",
				d.cfg.Name, d.cfg.WaitInterval, d.limiter.InFlight(), d.limiter.Size(), timeouts, d.cfg.MaxTimeouts)
		}
		if timeouts > d.cfg.MaxTimeouts {
			return d.fail(&TimeoutError{Op: "capacity", Timeouts: timeouts, Interval: d.cfg.WaitInterval})
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, b []*document.Document) error {
	return retry.Do(
		func() error { return d.write(ctx, b) },
		retry.Context(ctx),
		retry.Attempts(d.cfg.SinkRetries),
		retry.Delay(d.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// item-level rejections will not change on a resend
			var be *sink.BulkError
			return !errors.As(err, &be)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("dispatch: %s: retrying batch attempt=%d err=%v", d.cfg.Name, n+1, err)
		}),
	)
}

func (d *Dispatcher) write(ctx context.Context, b []*document.Document) error {
	if d.bulk != nil {
		return d.bulk.Bulk(ctx, b)
	}
	var result *multierror.Error
	for _, doc := range b {
		if err := sink.Apply(ctx, d.sink, doc); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (d *Dispatcher) fail(err error) error {
	d.mu.Lock()
	if d.fatal == nil {
		d.fatal = err
	}
	d.mu.Unlock()
	log.Errorf("dispatch: %s: %v", d.cfg.Name, err)
	return err
}

func (d *Dispatcher) inFlight() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

// notifyLocked wakes every waiter on d.changed. Callers hold d.mu.
func (d *Dispatcher) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}
