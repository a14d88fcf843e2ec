package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineYAML = `
job: people-feed
tasks:
  - name: people
    source:
      kind: sql
      options:
        driver: sqlite
        dsn: file:people.db
        statement: SELECT id AS _id, name FROM people ORDER BY id
        strict: true
    defaults:
      index: people
document:
  identity: [_parent]
  separator: "|"
dispatch:
  batch_size: 250
  wait_interval: 2s
sink:
  kind: http
  options:
    url: http://localhost:9200
    timeout: 10s
suspend:
  kind: file
  options:
    path: /tmp/docfeed.suspend
runtime:
  schedule: "@hourly"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	p, err := Load(writeFile(t, "p.yaml", pipelineYAML))
	require.NoError(t, err)

	assert.Equal(t, "people-feed", p.Job)
	require.Len(t, p.Tasks, 1)
	src := p.Tasks[0].Source
	assert.Equal(t, "sql", src.Kind)
	assert.Equal(t, "sqlite", src.Options.String("driver", ""))
	assert.True(t, src.Options.Bool("strict", false))
	assert.Equal(t, "people", p.Tasks[0].Defaults.Index)
	assert.NotNil(t, p.Tasks[0].Sink.Options)

	assert.Equal(t, "|", p.Document.Separator)
	assert.Equal(t, []string{"_parent"}, p.Document.Identity)
	assert.Equal(t, 250, p.Dispatch.BatchSize)
	assert.Equal(t, 2*time.Second, p.Dispatch.WaitInterval)
	assert.Equal(t, 10*time.Second, p.Sink.Options.Duration("timeout", 0))
	assert.Equal(t, "/tmp/docfeed.suspend", p.Suspend.Options.String("path", ""))

	// defaults
	assert.Equal(t, 4, p.Dispatch.MaxConcurrent)
	assert.Equal(t, 12, p.Dispatch.MaxTimeouts)
	assert.Equal(t, 500*time.Millisecond, p.Dispatch.RetryDelay)
	assert.Equal(t, 5*time.Second, p.Suspend.PollInterval)
	assert.Equal(t, 1, p.Runtime.Workers)
	assert.Equal(t, "@hourly", p.Runtime.Schedule)
	assert.Equal(t, "info", p.Log.Level)
	assert.Equal(t, "none", p.Metrics.Backend)

	assert.Empty(t, ValidatePipeline(p))
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DOCFEED_RUNTIME_WORKERS", "8")
	t.Setenv("DOCFEED_DISPATCH_BATCH_SIZE", "1000")
	t.Setenv("DOCFEED_LOG_LEVEL", "debug")

	p, err := Load(writeFile(t, "p.yaml", pipelineYAML))
	require.NoError(t, err)
	assert.Equal(t, 8, p.Runtime.Workers)
	assert.Equal(t, 1000, p.Dispatch.BatchSize)
	assert.Equal(t, "debug", p.Log.Level)
}

func TestLoad_JSONAndTOML(t *testing.T) {
	p, err := Load(writeFile(t, "p.json", `{"job":"j","tasks":[{"name":"t","source":{"kind":"csv","options":{"path":"a.csv"}}}],"sink":{"kind":"ndjson"}}`))
	require.NoError(t, err)
	assert.Equal(t, "a.csv", p.Tasks[0].Source.Options.String("path", ""))

	p, err = Load(writeFile(t, "p.toml", `
job = "j"
[sink]
kind = "ndjson"
[[tasks]]
name = "t"
[tasks.source]
kind = "csv"
[tasks.source.options]
path = "b.csv"
`))
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "b.csv", p.Tasks[0].Source.Options.String("path", ""))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeFile(t, "bad.yaml", "job: [unclosed"))
	assert.Error(t, err)
}
