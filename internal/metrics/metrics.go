// Package metrics records operational metrics from feed runs through a
// pluggable Backend.
//
// The default backend is a no-op, so instrumentation is always safe to call.
// Concrete systems (Prometheus Pushgateway, DogStatsD) live in subpackages
// and are installed once at startup with SetBackend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Metric names shared by the helpers and the backends.
const (
	StepTotal       = "docfeed_step_total"
	StepDuration    = "docfeed_step_duration_seconds"
	RowsTotal       = "docfeed_rows_total"
	DocumentsTotal  = "docfeed_documents_total"
	BatchesTotal    = "docfeed_batches_total"
	InFlightBatches = "docfeed_inflight_batches"
)

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a latency/duration style value.
	ObserveHistogram(name string, value float64, labels Labels)
	// SetGauge sets a point-in-time value.
	SetGauge(name string, value float64, labels Labels)
	// Flush pushes buffered metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) SetGauge(string, float64, Labels)         {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs a concrete backend. Passing nil keeps the existing one.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one execution of a step and records its duration.
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{"job": job, "step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordRows adds row-level counts. Kinds: read, conflicts, skipped,
// row_errors.
func RecordRows(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(delta), Labels{"job": job, "kind": kind})
}

// RecordDocs adds document-level counts. Kinds: emitted, sent, failed.
func RecordDocs(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(DocumentsTotal, float64(delta), Labels{"job": job, "kind": kind})
}

// RecordBatches adds to the dispatched batch counter.
func RecordBatches(job string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(BatchesTotal, float64(delta), Labels{"job": job})
}

// SetInFlight reports the in-flight batch count of one worker.
func SetInFlight(job string, worker int, n int64) {
	current().SetGauge(InFlightBatches, float64(n), Labels{"job": job, "worker": strconv.Itoa(worker)})
}
