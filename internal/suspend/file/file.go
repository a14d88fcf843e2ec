// Package file reports a suspension while a marker file exists. Changes are
// pushed through an fsnotify watch on the marker's directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"docfeed/internal/config"
	"docfeed/internal/suspend"
)

func init() {
	suspend.Register("file", func(_ context.Context, opts config.Options) (suspend.Status, error) {
		return New(opts.String("path", ""))
	})
}

// Marker is a suspend.Watcher over one path.
type Marker struct {
	path string
}

// New returns a Marker for path. The directory must exist for Watch to work.
func New(path string) (*Marker, error) {
	if path == "" {
		return nil, fmt.Errorf("suspend file: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("suspend file: %w", err)
	}
	return &Marker{path: abs}, nil
}

// Path is the absolute marker path.
func (m *Marker) Path() string { return m.path }

// Suspended reports whether the marker exists.
func (m *Marker) Suspended(context.Context) (bool, error) {
	_, err := os.Stat(m.path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("suspend file: %w", err)
	}
}

// Watch pushes the marker state whenever it changes.
func (m *Marker) Watch(ctx context.Context) (<-chan bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("suspend file: watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("suspend file: watch %s: %w", filepath.Dir(m.path), err)
	}

	last, err := m.Suspended(ctx)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	out := make(chan bool, 1)
	out <- last

	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					log.Warnf("suspend file: watcher closed for %s", m.path)
					return
				}
				if filepath.Clean(ev.Name) != m.path {
					continue
				}
				now, err := m.Suspended(ctx)
				if err != nil {
					log.Warnf("suspend file: %v", err)
					continue
				}
				if now == last {
					continue
				}
				last = now
				select {
				case <-out:
				default:
				}
				out <- now
			case err, ok := <-w.Errors:
				if !ok {
					log.Warnf("suspend file: watcher closed for %s", m.path)
					return
				}
				log.Warnf("suspend file: watcher error: %v", err)
			}
		}
	}()
	return out, nil
}
