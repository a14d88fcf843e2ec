// Package ndjson writes documents as bulk-API formatted lines to a file or
// stdout. The output can be replayed against an _bulk endpoint.
package ndjson

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"docfeed/internal/config"
	"docfeed/internal/document"
	"docfeed/internal/sink"
)

func init() {
	sink.Register("ndjson", func(_ context.Context, opts config.Options) (sink.Sink, error) {
		return Open(opts.String("path", "-"), opts.Bool("append", false))
	})
}

// Sink is safe for concurrent use; batches are written whole.
type Sink struct {
	mu sync.Mutex
	w  *bufio.Writer
	f  *os.File
}

// Open creates (or appends to) path. "-" or "" means stdout.
func Open(path string, appendMode bool) (*Sink, error) {
	if path == "" || path == "-" {
		return &Sink{w: bufio.NewWriter(os.Stdout)}, nil
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ndjson: open %s: %w", path, err)
	}
	return &Sink{w: bufio.NewWriter(f), f: f}, nil
}

// NewWriter returns a Sink writing to w.
func NewWriter(w io.Writer) *Sink {
	return &Sink{w: bufio.NewWriter(w)}
}

func (s *Sink) Create(ctx context.Context, d *document.Document) error { return s.Bulk(ctx, []*document.Document{d}) }
func (s *Sink) Index(ctx context.Context, d *document.Document) error  { return s.Bulk(ctx, []*document.Document{d}) }
func (s *Sink) Update(ctx context.Context, d *document.Document) error { return s.Bulk(ctx, []*document.Document{d}) }
func (s *Sink) Delete(ctx context.Context, d *document.Document) error { return s.Bulk(ctx, []*document.Document{d}) }

// Bulk encodes the batch first so a failing document leaves no partial
// batch in the output.
func (s *Sink) Bulk(_ context.Context, docs []*document.Document) error {
	var buf bytes.Buffer
	for _, d := range docs {
		if err := sink.AppendBulk(&buf, d); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(buf.Bytes())
	return err
}

// Flush writes buffered lines and syncs the file.
func (s *Sink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.f != nil {
		return s.f.Sync()
	}
	return nil
}

// Close flushes and closes the file. Stdout is left open.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Flush()
	if s.f != nil {
		if cerr := s.f.Close(); err == nil {
			err = cerr
		}
		s.f = nil
	}
	return err
}
