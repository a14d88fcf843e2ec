package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("dispatch timeout")
	// ErrSink is matched by every *SinkError.
	ErrSink = errors.New("sink failure")
)

// TimeoutError is fatal: the dispatcher waited more than its budget for
// capacity or for in-flight batches to drain.
type TimeoutError struct {
	Op       string
	Timeouts int
	Interval time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dispatch timeout: %s: %d waits of %s", e.Op, e.Timeouts, e.Interval)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// SinkError is one batch the sink rejected after all retries.
type SinkError struct {
	Batch int64
	Docs  int
	Err   error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink failure: batch #%d (%d docs): %v", e.Batch, e.Docs, e.Err)
}

func (e *SinkError) Unwrap() []error { return []error{ErrSink, e.Err} }
