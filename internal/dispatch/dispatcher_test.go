package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docfeed/internal/document"
	"docfeed/internal/sink"
)

// spySink is a BulkSink recording batches and the peak number of concurrent
// Bulk calls.
type spySink struct {
	mu      sync.Mutex
	batches [][]string
	flushes int

	delay time.Duration
	block chan struct{}
	fail  func(call int, docs []*document.Document) error
	calls atomic.Int64

	cur  atomic.Int64
	peak atomic.Int64
}

func (s *spySink) Bulk(_ context.Context, docs []*document.Document) error {
	n := s.cur.Add(1)
	defer s.cur.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	call := int(s.calls.Add(1))
	if s.block != nil {
		<-s.block
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail != nil {
		if err := s.fail(call, docs); err != nil {
			return err
		}
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	s.mu.Lock()
	s.batches = append(s.batches, ids)
	s.mu.Unlock()
	return nil
}

func (s *spySink) Create(context.Context, *document.Document) error { return nil }
func (s *spySink) Index(context.Context, *document.Document) error  { return nil }
func (s *spySink) Update(context.Context, *document.Document) error { return nil }
func (s *spySink) Delete(context.Context, *document.Document) error { return nil }
func (s *spySink) Close() error                                      { return nil }

func (s *spySink) Flush(context.Context) error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *spySink) got() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

func doc(i int) *document.Document {
	d := document.New(document.Meta{Op: document.OpIndex, Index: "t", ID: fmt.Sprint(i)})
	d.Body.Set("n", document.NewValues(i))
	return d
}

func submitN(t *testing.T, d *Dispatcher, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.NoError(t, d.Submit(context.Background(), doc(i)))
	}
}

func TestDispatcher_Batching(t *testing.T) {
	t.Parallel()

	s := &spySink{}
	d := New(s, Config{BatchSize: 3, MaxConcurrent: 1})
	submitN(t, d, 0, 7)
	require.NoError(t, d.Flush(context.Background()))

	assert.Equal(t, [][]string{{"0", "1", "2"}, {"3", "4", "5"}, {"6"}}, s.got())
	assert.Equal(t, 1, s.flushes)

	st := d.Stats()
	assert.EqualValues(t, 7, st.Submitted)
	assert.EqualValues(t, 3, st.Batches)
	assert.EqualValues(t, 7, st.Sent)
	assert.EqualValues(t, 0, st.InFlight)
}

func TestDispatcher_FlushWithNothingPending(t *testing.T) {
	t.Parallel()

	s := &spySink{}
	d := New(s, Config{})
	require.NoError(t, d.Flush(context.Background()))
	assert.Empty(t, s.got())
	assert.Equal(t, 1, s.flushes)
}

func TestDispatcher_CeilingNeverExceeded(t *testing.T) {
	t.Parallel()

	s := &spySink{delay: 2 * time.Millisecond}
	d := New(s, Config{BatchSize: 2, MaxConcurrent: 3})
	submitN(t, d, 0, 200)
	require.NoError(t, d.Flush(context.Background()))

	assert.LessOrEqual(t, s.peak.Load(), int64(3))
	assert.LessOrEqual(t, d.Stats().MaxInFlight, int64(3))
	total := 0
	for _, b := range s.got() {
		total += len(b)
	}
	assert.Equal(t, 200, total)
}

func TestDispatcher_SharedLimiterBoundsAllDispatchers(t *testing.T) {
	t.Parallel()

	s := &spySink{delay: time.Millisecond}
	lim := NewLimiter(2)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		d := New(s, Config{Name: fmt.Sprintf("p%d", p), BatchSize: 1, Limiter: lim})
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, d.Submit(context.Background(), doc(i)))
			}
			assert.NoError(t, d.Flush(context.Background()))
		}(d)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.peak.Load(), int64(2))
	assert.LessOrEqual(t, lim.MaxInFlight(), int64(2))
	assert.Len(t, s.got(), 100)
}

func TestDispatcher_SuspendParksAndResumeReleasesInOrder(t *testing.T) {
	t.Parallel()

	s := &spySink{}
	d := New(s, Config{BatchSize: 3, MaxConcurrent: 1})
	d.Suspend()
	assert.True(t, d.Suspended())

	submitN(t, d, 0, 9)
	assert.EqualValues(t, 0, s.calls.Load())
	assert.EqualValues(t, 3, d.Stats().Pending)

	require.NoError(t, d.Resume(context.Background()))
	require.NoError(t, d.Flush(context.Background()))
	assert.Equal(t, [][]string{{"0", "1", "2"}, {"3", "4", "5"}, {"6", "7", "8"}}, s.got())
	assert.False(t, d.Suspended())
}

func TestDispatcher_FlushWaitsForResume(t *testing.T) {
	t.Parallel()

	s := &spySink{}
	d := New(s, Config{BatchSize: 10})
	d.Suspend()
	submitN(t, d, 0, 1)

	done := make(chan error, 1)
	go func() { done <- d.Flush(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("flush returned while suspended: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.EqualValues(t, 0, s.calls.Load())

	require.NoError(t, d.Resume(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not return after resume")
	}
	assert.Equal(t, [][]string{{"0"}}, s.got())
}

func TestDispatcher_FlushWhileSuspendedHonoursContext(t *testing.T) {
	t.Parallel()

	d := New(&spySink{}, Config{})
	d.Suspend()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Flush(ctx), context.DeadlineExceeded)
}

func TestDispatcher_CancelledFlushFinishesInFlight(t *testing.T) {
	t.Parallel()

	s := &spySink{delay: 150 * time.Millisecond}
	d := New(s, Config{BatchSize: 1, WaitInterval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Submit(ctx, doc(0)))
	cancel()

	require.NoError(t, d.Flush(ctx))
	st := d.Stats()
	assert.Zero(t, st.InFlight)
	assert.EqualValues(t, 1, st.Sent)
	assert.EqualValues(t, 1, st.Timeouts, "the interrupt counts as one timeout")
	assert.Equal(t, [][]string{{"0"}}, s.got())
}

func TestDispatcher_CancelledSuspendedFlushFinishesInFlight(t *testing.T) {
	t.Parallel()

	s := &spySink{delay: 100 * time.Millisecond}
	d := New(s, Config{BatchSize: 1, WaitInterval: time.Second})
	require.NoError(t, d.Submit(context.Background(), doc(0)))
	d.Suspend()
	require.NoError(t, d.Submit(context.Background(), doc(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Flush(ctx), context.DeadlineExceeded)

	st := d.Stats()
	assert.Zero(t, st.InFlight)
	assert.EqualValues(t, 1, st.Pending)
	assert.Equal(t, [][]string{{"0"}}, s.got())
}

func TestDispatcher_CapacityTimeoutIsFatal(t *testing.T) {
	t.Parallel()

	s := &spySink{block: make(chan struct{})}
	d := New(s, Config{BatchSize: 1, MaxConcurrent: 1, WaitInterval: 10 * time.Millisecond, MaxTimeouts: 2})
	defer close(s.block)

	require.NoError(t, d.Submit(context.Background(), doc(0)))
	err := d.Submit(context.Background(), doc(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "capacity", te.Op)
	assert.Equal(t, 3, te.Timeouts)

	// the dispatcher stays failed
	assert.ErrorIs(t, d.Submit(context.Background(), doc(2)), ErrTimeout)
	assert.EqualValues(t, 3, d.Stats().Timeouts)
}

func TestDispatcher_DrainTimeoutIsFatal(t *testing.T) {
	t.Parallel()

	s := &spySink{block: make(chan struct{})}
	d := New(s, Config{BatchSize: 1, WaitInterval: 10 * time.Millisecond, MaxTimeouts: 1})
	defer close(s.block)

	require.NoError(t, d.Submit(context.Background(), doc(0)))
	err := d.Flush(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDispatcher_InterruptedWaitContinues(t *testing.T) {
	t.Parallel()

	s := &spySink{block: make(chan struct{})}
	d := New(s, Config{BatchSize: 1, MaxConcurrent: 1, WaitInterval: 20 * time.Millisecond, MaxTimeouts: 100})
	require.NoError(t, d.Submit(context.Background(), doc(0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	time.AfterFunc(50*time.Millisecond, func() { close(s.block) })

	require.NoError(t, d.Submit(ctx, doc(1)))
	require.NoError(t, d.Flush(context.Background()))
	assert.GreaterOrEqual(t, d.Stats().Timeouts, int64(1))
	assert.Len(t, s.got(), 2)
}

func TestDispatcher_SinkFailureSurfacedByFlush(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := &spySink{fail: func(_ int, docs []*document.Document) error {
		for _, d := range docs {
			if d.ID == "3" {
				return boom
			}
		}
		return nil
	}}
	d := New(s, Config{BatchSize: 2, MaxConcurrent: 1})
	submitN(t, d, 0, 6)

	err := d.Flush(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSink)
	assert.ErrorIs(t, err, boom)
	var se *SinkError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2, se.Docs)

	// the other batches were written
	assert.Equal(t, [][]string{{"0", "1"}, {"4", "5"}}, s.got())
	st := d.Stats()
	assert.EqualValues(t, 4, st.Sent)
	assert.EqualValues(t, 2, st.Failed)

	// errors are reported once
	assert.NoError(t, d.Flush(context.Background()))
}

func TestDispatcher_RetriesFailedBatch(t *testing.T) {
	t.Parallel()

	s := &spySink{fail: func(call int, _ []*document.Document) error {
		if call < 3 {
			return errors.New("transient")
		}
		return nil
	}}
	d := New(s, Config{BatchSize: 2, SinkRetries: 3, RetryDelay: time.Millisecond})
	submitN(t, d, 0, 2)
	require.NoError(t, d.Flush(context.Background()))
	assert.EqualValues(t, 3, s.calls.Load())
	assert.Equal(t, [][]string{{"0", "1"}}, s.got())
}

func TestDispatcher_BulkItemErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	s := &spySink{fail: func(int, []*document.Document) error {
		return &sink.BulkError{Items: []sink.ItemError{{ID: "0", Status: 400, Reason: "mapper_parsing_exception"}}}
	}}
	d := New(s, Config{BatchSize: 1, SinkRetries: 5, RetryDelay: time.Millisecond})
	submitN(t, d, 0, 1)

	err := d.Flush(context.Background())
	var be *sink.BulkError
	require.True(t, errors.As(err, &be))
	assert.EqualValues(t, 1, s.calls.Load())
}

// opSink only implements the per-operation Sink methods.
type opSink struct {
	mu  sync.Mutex
	ops []string
}

func (s *opSink) record(op string, d *document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op+":"+d.ID)
	return nil
}

func (s *opSink) Create(_ context.Context, d *document.Document) error { return s.record("create", d) }
func (s *opSink) Index(_ context.Context, d *document.Document) error  { return s.record("index", d) }
func (s *opSink) Update(_ context.Context, d *document.Document) error { return s.record("update", d) }
func (s *opSink) Delete(_ context.Context, d *document.Document) error { return s.record("delete", d) }
func (s *opSink) Flush(context.Context) error                          { return nil }
func (s *opSink) Close() error                                         { return nil }

func TestDispatcher_PerOperationSink(t *testing.T) {
	t.Parallel()

	s := &opSink{}
	d := New(s, Config{BatchSize: 4})
	for i, op := range []document.OpType{document.OpCreate, document.OpIndex, document.OpUpdate, document.OpDelete} {
		require.NoError(t, d.Submit(context.Background(), &document.Document{Meta: document.Meta{Op: op, ID: fmt.Sprint(i)}}))
	}
	require.NoError(t, d.Flush(context.Background()))
	assert.Equal(t, []string{"create:0", "index:1", "update:2", "delete:3"}, s.ops)
}
