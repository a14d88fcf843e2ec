// Package csvsource streams a delimited text file into a row listener.
//
// The first record is the header and becomes the declared column list, so
// header cells use the same key grammar as SQL column aliases. Input may be in
// any charset known to golang.org/x/text (IANA or HTML names such as
// "windows-1250"); it is decoded to UTF-8 before parsing.
package csvsource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"docfeed/internal/config"
	"docfeed/internal/source"
)

const utf8BOM = "\uFEFF"

func init() {
	source.Register("csv", func(_ context.Context, opts config.Options) (source.Source, error) {
		return New(Config{
			Path:             opts.String("path", ""),
			Comma:            opts.Rune("comma", ','),
			Encoding:         opts.String("encoding", ""),
			TrimSpace:        opts.Bool("trim_space", true),
			LazyQuotes:       opts.Bool("lazy_quotes", false),
			EmptyAsNull:      opts.Bool("empty_as_null", true),
			NormalizeHeaders: opts.Bool("normalize_headers", false),
			Strict:           opts.Bool("strict", false),
			Timeout:          opts.Duration("timeout", 0),
			MaxRetries:       opts.Int("max_retries", 3),
			Headers:          opts.StringMap("headers"),
		})
	})
}

// Config controls parsing.
type Config struct {
	// Path is a local file or an http(s) URL.
	Path string

	// Comma is the field delimiter. Default ','.
	Comma rune

	// Encoding names the input charset; empty means UTF-8.
	Encoding string

	TrimSpace   bool
	LazyQuotes  bool
	EmptyAsNull bool

	// NormalizeHeaders folds diacritics out of header names
	// ("Příjmení" -> "Prijmeni").
	NormalizeHeaders bool

	// Strict fails the stream on a malformed record instead of skipping it.
	Strict bool

	// Timeout, MaxRetries and Headers apply when Path is a URL. A zero
	// Timeout leaves the download unbounded.
	Timeout    time.Duration
	MaxRetries int
	Headers    map[string]string
}

// Source is a source.Source over a CSV file.
type Source struct {
	source.Gate
	cfg    Config
	enc    encoding.Encoding
	policy source.ErrorPolicy
}

// New validates cfg. The file is opened by Stream.
func New(cfg Config) (*Source, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("csvsource: path is required")
	}
	if cfg.Comma == 0 {
		cfg.Comma = ','
	}
	s := &Source{cfg: cfg}
	if cfg.Encoding != "" && !isUTF8(cfg.Encoding) {
		enc, err := htmlindex.Get(cfg.Encoding)
		if err != nil {
			return nil, fmt.Errorf("csvsource: encoding %q: %w", cfg.Encoding, err)
		}
		s.enc = enc
	}
	s.policy.Strict = cfg.Strict
	s.policy.Name = "csv"
	return s, nil
}

// RowErrors implements source.ErrorCounter.
func (s *Source) RowErrors() int64 { return s.policy.RowErrors() }

// Stream reads the header, declares it and supplies every record to l.
func (s *Source) Stream(ctx context.Context, l source.Listener) error {
	r, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	return s.stream(ctx, r, l)
}

func (s *Source) stream(ctx context.Context, r io.Reader, l source.Listener) error {
	if s.enc != nil {
		r = transform.NewReader(r, s.enc.NewDecoder())
	}
	cr := csv.NewReader(r)
	cr.Comma = s.cfg.Comma
	cr.LazyQuotes = s.cfg.LazyQuotes
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	hdr, err := cr.Read()
	if err != nil {
		return fmt.Errorf("csvsource: read header: %w", err)
	}
	cols := s.header(hdr)
	if err := l.DeclareColumns(cols); err != nil {
		return err
	}

	var line int64 = 1
	for {
		if err := s.Wait(ctx); err != nil {
			return err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				if herr := s.policy.Handle(&source.RowError{Row: line, Err: err}); herr != nil {
					return herr
				}
				continue
			}
			return fmt.Errorf("csvsource: line %d: %w", line, err)
		}
		if len(rec) > len(cols) {
			if herr := s.policy.Handle(&source.RowError{Row: line, Err: fmt.Errorf("%d fields, header has %d", len(rec), len(cols))}); herr != nil {
				return herr
			}
			continue
		}
		if err := l.SupplyRow(ctx, s.values(rec)); err != nil {
			return err
		}
		if line%50_000 == 0 {
			log.Debugf("csvsource: line=%d", line)
		}
	}
	return l.End(ctx)
}

func (s *Source) header(hdr []string) []string {
	cols := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		h = strings.TrimSpace(h)
		if s.cfg.NormalizeHeaders {
			h = foldDiacritics(h)
		}
		cols[i] = h
	}
	return cols
}

// values copies rec; the reader reuses its backing array.
func (s *Source) values(rec []string) []any {
	out := make([]any, len(rec))
	for i, v := range rec {
		if s.cfg.TrimSpace {
			v = strings.TrimSpace(v)
		}
		if v == "" && s.cfg.EmptyAsNull {
			out[i] = nil
			continue
		}
		out[i] = v
	}
	return out
}

func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func isUTF8(name string) bool {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "utf8":
		return true
	}
	return false
}
