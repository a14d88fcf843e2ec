package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docfeed/internal/document"
	"docfeed/internal/sink"
)

func TestPgFQN(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"documents":        `"documents"`,
		"public.documents": `"public"."documents"`,
		`we"ird.t`:         `"we""ird"."t"`,
		"a..b":             `"a"."b"`,
	}
	for in, want := range cases {
		assert.Equal(t, want, pgFQN(in), in)
	}
}

func TestBuildStatements(t *testing.T) {
	t.Parallel()

	st := buildStatements("app.docs")
	assert.Contains(t, st.create, `CREATE TABLE IF NOT EXISTS "app"."docs"`)
	assert.Contains(t, st.create, "PRIMARY KEY (collection, id)")
	assert.True(t, strings.HasSuffix(st.insert, "ON CONFLICT (collection, id) DO NOTHING"))
	assert.Contains(t, st.upsert, "DO UPDATE SET body = EXCLUDED.body,")
	assert.Contains(t, st.merge, "DO UPDATE SET body = t.body || EXCLUDED.body,")
	assert.Contains(t, st.create, "doc_timestamp text,\n  ttl text,")
	assert.Contains(t, st.upsert, "$8, $9, now())")
	assert.Contains(t, st.upsert, "ttl = EXCLUDED.ttl")
	assert.Equal(t, `DELETE FROM "app"."docs" WHERE collection = $1 AND id = $2`, st.delete)
}

func TestQueue_PerOperation(t *testing.T) {
	t.Parallel()

	st := buildStatements("docs")
	d := document.New(document.Meta{Op: document.OpIndex, Index: "people", ID: "7", Routing: "r", Timestamp: "2024-01-02", TTL: "1h"})
	d.Body.Set("name", document.NewValues("Joe"))
	d.Digest = "abc"

	q, args, err := st.queue(d, "")
	require.NoError(t, err)
	assert.Equal(t, st.upsert, q)
	assert.Equal(t, []any{"people", "7", `{"name":"Joe"}`, "abc", "r", nil, nil, "2024-01-02", "1h"}, args)

	d.Op = document.OpCreate
	q, _, err = st.queue(d, "")
	require.NoError(t, err)
	assert.Equal(t, st.insert, q)

	d.Op = document.OpUpdate
	q, args, err = st.queue(d, "fixed")
	require.NoError(t, err)
	assert.Equal(t, st.merge, q)
	assert.Equal(t, "fixed", args[0])

	q, args, err = st.queue(&document.Document{Meta: document.Meta{Op: document.OpDelete, Index: "people", ID: "7"}}, "")
	require.NoError(t, err)
	assert.Equal(t, st.delete, q)
	assert.Equal(t, []any{"people", "7"}, args)
}

func TestQueue_RequiresIdentity(t *testing.T) {
	t.Parallel()

	st := buildStatements("docs")
	_, _, err := st.queue(document.New(document.Meta{Op: document.OpIndex, ID: "1"}), "")
	assert.ErrorContains(t, err, "no collection")
	_, _, err = st.queue(document.New(document.Meta{Op: document.OpIndex, Index: "p"}), "")
	assert.ErrorContains(t, err, "no id")
}

func TestItemError_DataErrorsAreItemFailures(t *testing.T) {
	t.Parallel()

	s := &Sink{}
	d := &document.Document{Meta: document.Meta{Op: document.OpIndex, Index: "people", ID: "1"}}

	err := s.itemError(d, &pgconn.PgError{Code: "22P02", Message: "invalid input syntax", Detail: "bad json"})
	var be *sink.BulkError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "1", be.Items[0].ID)
	assert.Equal(t, "invalid input syntax: bad json (22P02)", be.Items[0].Reason)

	err = s.itemError(d, &pgconn.PgError{Code: "57P01", Message: "terminating connection"})
	assert.False(t, errors.As(err, &be))
	assert.ErrorContains(t, err, "57P01")

	err = s.itemError(d, errors.New("conn reset"))
	assert.ErrorContains(t, err, "conn reset")
}

func TestOpen_RequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	assert.ErrorContains(t, err, "dsn is required")
}
