// Package suspend provides status sources that tell running feeds to pause
// writing, e.g. while the destination cluster is being maintained.
//
// Every source answers Suspended on demand. Sources that can be notified of
// changes also implement Watcher; callers fall back to polling otherwise.
// Concrete kinds register themselves; import docfeed/internal/suspend/all.
package suspend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"docfeed/internal/config"
)

// Status reports whether writing should be suspended.
type Status interface {
	Suspended(ctx context.Context) (bool, error)
}

// Watcher is a Status that pushes changes. The channel first receives the
// current state, then every change, and is closed when ctx is done.
type Watcher interface {
	Status
	Watch(ctx context.Context) (<-chan bool, error)
}

// ParseFlag interprets a stored status value.
func ParseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "suspended", "suspend", "true", "1", "yes", "on":
		return true
	}
	return false
}

// Factory opens a status source from its options.
type Factory func(ctx context.Context, opts config.Options) (Status, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs (or replaces) the factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[strings.ToLower(kind)] = f
}

// New opens a status source of the given kind.
func New(ctx context.Context, kind string, opts config.Options) (Status, error) {
	mu.RLock()
	f, ok := factories[strings.ToLower(kind)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported suspend.kind=%s", kind)
	}
	if opts == nil {
		opts = config.Options{}
	}
	return f(ctx, opts)
}

// ListKinds returns the registered kinds, sorted.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
