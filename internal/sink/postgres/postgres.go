// Package postgres stores documents as jsonb rows keyed by (collection, id).
//
// Each batch is sent as one pgx.Batch so statements run in submission order
// inside a single implicit transaction. Data errors (SQLSTATE classes 22 and
// 23) come back as a *sink.BulkError naming the offending document; anything
// else is returned as a plain error and may be retried by the dispatcher.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"docfeed/internal/config"
	"docfeed/internal/document"
	"docfeed/internal/sink"
)

func init() {
	sink.Register("postgres", func(ctx context.Context, opts config.Options) (sink.Sink, error) {
		return Open(ctx, Config{
			DSN:             opts.String("dsn", ""),
			Table:           opts.String("table", ""),
			Collection:      opts.String("collection", ""),
			AutoCreateTable: opts.Bool("auto_create_table", false),
		})
	})
}

// Config holds connection and table settings.
type Config struct {
	DSN string

	// Table is the target table, optionally schema qualified. Default
	// "public.documents".
	Table string

	// Collection overrides the document index as the collection column.
	Collection string

	// AutoCreateTable runs CREATE TABLE IF NOT EXISTS on Open.
	AutoCreateTable bool
}

// Sink is a sink.BulkSink over a pgx pool.
type Sink struct {
	cfg  Config
	pool *pgxpool.Pool
	sql  statements
}

// Open connects the pool and optionally creates the table.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	if cfg.Table == "" {
		cfg.Table = "public.documents"
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	s := &Sink{cfg: cfg, pool: pool, sql: buildStatements(cfg.Table)}
	if cfg.AutoCreateTable {
		if _, err := pool.Exec(ctx, s.sql.create); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: create table %s: %w", cfg.Table, err)
		}
		log.Debugf("postgres: ensured table %s", cfg.Table)
	}
	return s, nil
}

func (s *Sink) Create(ctx context.Context, d *document.Document) error { return s.Bulk(ctx, []*document.Document{d}) }
func (s *Sink) Index(ctx context.Context, d *document.Document) error  { return s.Bulk(ctx, []*document.Document{d}) }
func (s *Sink) Update(ctx context.Context, d *document.Document) error { return s.Bulk(ctx, []*document.Document{d}) }
func (s *Sink) Delete(ctx context.Context, d *document.Document) error { return s.Bulk(ctx, []*document.Document{d}) }

// Bulk writes docs in order.
func (s *Sink) Bulk(ctx context.Context, docs []*document.Document) error {
	if len(docs) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, d := range docs {
		q, args, err := s.sql.queue(d, s.cfg.Collection)
		if err != nil {
			return err
		}
		b.Queue(q, args...)
	}

	br := s.pool.SendBatch(ctx, b)
	var first error
	for i := range docs {
		if _, err := br.Exec(); err != nil {
			first = s.itemError(docs[i], err)
			break
		}
	}
	if err := br.Close(); err != nil && first == nil {
		first = fmt.Errorf("postgres: batch: %w", err)
	}
	return first
}

func (s *Sink) itemError(d *document.Document, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("postgres: %s: %w", d, err)
	}
	if !isDataError(pgErr.Code) {
		return fmt.Errorf("postgres: %s: %s (%s)", d, pgErr.Message, pgErr.SQLState())
	}
	reason := pgErr.Message
	if pgErr.Detail != "" {
		reason += ": " + pgErr.Detail
	}
	return &sink.BulkError{Items: []sink.ItemError{{
		Op: d.Op, Index: collection(d, s.cfg.Collection), ID: d.ID,
		Status: 400, Reason: reason + " (" + pgErr.SQLState() + ")",
	}}}
}

// isDataError reports data exceptions and integrity violations.
func isDataError(code string) bool {
	return strings.HasPrefix(code, "22") || strings.HasPrefix(code, "23")
}

// Flush is a no-op; batches are committed synchronously.
func (s *Sink) Flush(context.Context) error { return nil }

// Close closes the pool.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

func collection(d *document.Document, fixed string) string {
	if fixed != "" {
		return fixed
	}
	return d.Index
}

type statements struct {
	create string
	insert string
	upsert string
	merge  string
	delete string
}

const columns = "collection, id, body, digest, routing, parent, version, doc_timestamp, ttl, updated_at"

func buildStatements(table string) statements {
	t := pgFQN(table)
	values := "VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, now())"
	set := "digest = EXCLUDED.digest, routing = EXCLUDED.routing, parent = EXCLUDED.parent, " +
		"version = EXCLUDED.version, doc_timestamp = EXCLUDED.doc_timestamp, ttl = EXCLUDED.ttl, " +
		"updated_at = EXCLUDED.updated_at"
	return statements{
		create: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  collection text NOT NULL,
  id text NOT NULL,
  body jsonb NOT NULL,
  digest text,
  routing text,
  parent text,
  version text,
  doc_timestamp text,
  ttl text,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (collection, id)
)`, t),
		insert: fmt.Sprintf("INSERT INTO %s (%s) %s ON CONFLICT (collection, id) DO NOTHING", t, columns, values),
		upsert: fmt.Sprintf("INSERT INTO %s AS t (%s) %s ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, %s",
			t, columns, values, set),
		merge: fmt.Sprintf("INSERT INTO %s AS t (%s) %s ON CONFLICT (collection, id) DO UPDATE SET body = t.body || EXCLUDED.body, %s",
			t, columns, values, set),
		delete: fmt.Sprintf("DELETE FROM %s WHERE collection = $1 AND id = $2", t),
	}
}

// queue returns the statement and arguments for one document.
func (st statements) queue(d *document.Document, fixed string) (string, []any, error) {
	coll := collection(d, fixed)
	if coll == "" {
		return "", nil, fmt.Errorf("postgres: %s has no collection", d)
	}
	if d.ID == "" {
		return "", nil, fmt.Errorf("postgres: %s has no id", d)
	}
	if d.Op == document.OpDelete {
		return st.delete, []any{coll, d.ID}, nil
	}
	body, err := d.Source()
	if err != nil {
		return "", nil, fmt.Errorf("postgres: %s: %w", d, err)
	}
	args := []any{coll, d.ID, string(body), null(d.Digest), null(d.Routing), null(d.Parent), null(d.Version),
		null(d.Timestamp), null(d.TTL)}
	switch d.Op {
	case document.OpCreate:
		return st.insert, args, nil
	case document.OpUpdate:
		return st.merge, args, nil
	default:
		return st.upsert, args, nil
	}
}

func null(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// pgIdent quotes one identifier: weird"name => "weird""name".
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// pgFQN quotes a possibly schema-qualified name, ignoring empty segments.
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, pgIdent(p))
		}
	}
	return strings.Join(out, ".")
}
