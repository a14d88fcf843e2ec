// Package sqlsource streams SQL result sets into a row listener.
//
// Each configured statement is run in order on one database/sql handle; its
// column names are declared before its rows are supplied, so a column alias
// such as "person.name" or "jobs[company]" drives the document shape.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"docfeed/internal/config"
	"docfeed/internal/source"
)

func init() {
	source.Register("sql", func(_ context.Context, opts config.Options) (source.Source, error) {
		return New(Config{
			Driver:     opts.String("driver", ""),
			DSN:        opts.String("dsn", ""),
			Statements: statements(opts),
			Params:     params(opts),
			Strict:     opts.Bool("strict", false),
		})
	})
}

// Config describes the database and the statements to stream.
type Config struct {
	// Driver is one of pgx, sqlite, sqlserver or mysql (aliases: postgres,
	// sqlite3, mssql).
	Driver     string
	DSN        string
	Statements []string
	Params     []any
	Strict     bool
}

// Source is a source.Source over database/sql.
type Source struct {
	source.Gate
	cfg    Config
	driver string
	policy source.ErrorPolicy
}

// New validates cfg. The connection is opened by Stream.
func New(cfg Config) (*Source, error) {
	drv, err := driverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlsource: dsn is required")
	}
	if len(cfg.Statements) == 0 {
		return nil, fmt.Errorf("sqlsource: at least one statement is required")
	}
	s := &Source{cfg: cfg, driver: drv}
	s.policy.Strict = cfg.Strict
	s.policy.Name = "sql"
	return s, nil
}

// RowErrors implements source.ErrorCounter.
func (s *Source) RowErrors() int64 { return s.policy.RowErrors() }

// Stream runs every statement and feeds its rows to l, then calls l.End.
func (s *Source) Stream(ctx context.Context, l source.Listener) error {
	db, err := sql.Open(s.driver, s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("sqlsource: open %s: %w", s.driver, err)
	}
	defer db.Close()

	var rowNum int64
	for i, stmt := range s.cfg.Statements {
		n, err := s.query(ctx, db, stmt, l, &rowNum)
		if err != nil {
			return fmt.Errorf("sqlsource: statement %d: %w", i+1, err)
		}
		log.Debugf("sqlsource: statement %d done rows=%d", i+1, n)
	}
	return l.End(ctx)
}

func (s *Source) query(ctx context.Context, db *sql.DB, stmt string, l source.Listener, rowNum *int64) (int64, error) {
	rows, err := db.QueryContext(ctx, stmt, s.cfg.Params...)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("columns: %w", err)
	}
	if err := l.DeclareColumns(cols); err != nil {
		return 0, err
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	var n int64
	for rows.Next() {
		if err := s.Wait(ctx); err != nil {
			return n, err
		}
		*rowNum++
		if err := rows.Scan(ptrs...); err != nil {
			if herr := s.policy.Handle(&source.RowError{Row: *rowNum, Err: err}); herr != nil {
				return n, herr
			}
			continue
		}
		row := make([]any, len(vals))
		for i, v := range vals {
			row[i] = convert(v)
		}
		if err := l.SupplyRow(ctx, row); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

// convert detaches driver-owned buffers and turns raw bytes into text.
func convert(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return t
	}
}

func driverName(d string) (string, error) {
	switch strings.ToLower(d) {
	case "pgx", "postgres", "postgresql":
		return "pgx", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	case "sqlserver", "mssql":
		return "sqlserver", nil
	case "mysql":
		return "mysql", nil
	case "":
		return "", fmt.Errorf("sqlsource: driver is required")
	default:
		return "", fmt.Errorf("sqlsource: unsupported driver %q", d)
	}
}

func statements(opts config.Options) []string {
	if ss := opts.StringSlice("statements"); len(ss) > 0 {
		return ss
	}
	if s := strings.TrimSpace(opts.String("statement", "")); s != "" {
		return []string{s}
	}
	return nil
}

func params(opts config.Options) []any {
	switch p := opts.Any("params").(type) {
	case []any:
		return p
	case []string:
		out := make([]any, len(p))
		for i, s := range p {
			out[i] = s
		}
		return out
	}
	return nil
}
