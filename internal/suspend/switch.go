package suspend

import (
	"context"
	"sync"

	"docfeed/internal/config"
)

func init() {
	Register("switch", func(_ context.Context, opts config.Options) (Status, error) {
		s := &Switch{}
		s.Set(opts.Bool("suspended", false))
		return s, nil
	})
}

// Switch is an in-process Watcher toggled with Set.
type Switch struct {
	mu   sync.Mutex
	on   bool
	subs map[chan bool]struct{}
}

// Set changes the state and notifies watchers when it differs.
func (s *Switch) Set(suspended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.on == suspended {
		return
	}
	s.on = suspended
	for ch := range s.subs {
		offer(ch, suspended)
	}
}

// Suspended returns the current state.
func (s *Switch) Suspended(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on, nil
}

// Watch subscribes to changes until ctx is done. A slow reader only sees the
// latest state.
func (s *Switch) Watch(ctx context.Context) (<-chan bool, error) {
	ch := make(chan bool, 1)
	s.mu.Lock()
	if s.subs == nil {
		s.subs = map[chan bool]struct{}{}
	}
	s.subs[ch] = struct{}{}
	ch <- s.on
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// offer replaces any unread value in ch with v.
func offer(ch chan bool, v bool) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
