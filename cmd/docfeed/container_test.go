package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docfeed/internal/config"
	"docfeed/internal/metrics/datadog"
	"docfeed/internal/metrics/prompush"
	"docfeed/internal/orchestrator"
)

const peopleCSV = "_id,name,address.city\n1,Joe,Prague\n1,Joseph,Prague\n2,Ann,Brno\n"

const peopleBulk = `{"index":{"_index":"people","_id":"1"}}
{"name":["Joe","Joseph"],"address":{"city":"Prague"}}
{"index":{"_index":"people","_id":"2"}}
{"name":"Ann","address":{"city":"Brno"}}
`

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func csvPipeline(t *testing.T) (config.Pipeline, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out.ndjson")
	return config.Pipeline{
		Job: "people-feed",
		Tasks: []config.Task{{
			Name:     "people",
			Source:   config.Plugin{Kind: "csv", Options: config.Options{"path": writeTemp(t, "people.csv", peopleCSV)}},
			Defaults: config.Defaults{Index: "people"},
		}},
		Dispatch: config.Dispatch{BatchSize: 10, MaxConcurrent: 2},
		Sink:     config.Plugin{Kind: "ndjson", Options: config.Options{"path": out}},
	}, out
}

func TestBuildTasks_CSVToNDJSON(t *testing.T) {
	t.Parallel()

	p, out := csvPipeline(t)
	tasks, err := buildTasks(p)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	results, err := runOnce(context.Background(), orchestrator.Config{Job: p.Job}, tasks, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "people", results[0].Task)
	assert.EqualValues(t, 3, results[0].Stats.Rows)
	assert.EqualValues(t, 2, results[0].Stats.Documents)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, peopleBulk, string(b))
}

func TestBuildTasks_Errors(t *testing.T) {
	t.Parallel()

	p, _ := csvPipeline(t)
	p.Tasks[0].Defaults.Op = "upsert"
	_, err := buildTasks(p)
	assert.ErrorContains(t, err, "task people")

	p, _ = csvPipeline(t)
	p.Tasks[0].Sink = config.Plugin{Kind: "nope"}
	tasks, err := buildTasks(p)
	require.NoError(t, err, "kinds resolve when the task opens")
	_, err = tasks[0].Open(context.Background())
	assert.ErrorContains(t, err, "unsupported sink.kind=nope")

	results, err := runOnce(context.Background(), orchestrator.Config{Job: p.Job}, tasks, nil)
	assert.ErrorContains(t, err, "unsupported sink.kind=nope")
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestRun_Once(t *testing.T) {
	p, out := csvPipeline(t)
	p.Log = config.Log{Level: "warn", Format: "text"}
	p.Metrics.Backend = "none"
	require.NoError(t, run(context.Background(), p))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, peopleBulk, string(b))
}

func TestDispatchConfig(t *testing.T) {
	t.Parallel()

	c := dispatchConfig("people", config.Dispatch{BatchSize: 50, SinkRetries: -2}, nil)
	assert.Equal(t, "people", c.Name)
	assert.Equal(t, 50, c.BatchSize)
	assert.Zero(t, c.SinkRetries)
	assert.Nil(t, c.Limiter)

	c = dispatchConfig("people", config.Dispatch{SinkRetries: 3}, nil)
	assert.EqualValues(t, 3, c.SinkRetries)
}

func TestNewMetricsBackend(t *testing.T) {
	t.Parallel()

	b, err := newMetricsBackend(config.Metrics{Backend: "none"}, "job")
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = newMetricsBackend(config.Metrics{Backend: "graphite"}, "job")
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = newMetricsBackend(config.Metrics{Backend: "pushgateway"}, "job")
	require.NoError(t, err)
	assert.IsType(t, &prompush.Backend{}, b)

	_, err = newMetricsBackend(config.Metrics{Backend: "datadog"}, "job")
	assert.ErrorContains(t, err, "Addr is required")

	b, err = newMetricsBackend(config.Metrics{Backend: "Datadog", DatadogAddr: "127.0.0.1:8125", Tags: []string{"env:test"}}, "job")
	require.NoError(t, err)
	dd, ok := b.(*datadog.Backend)
	require.True(t, ok)
	require.NoError(t, dd.Close())
}

func TestNewStatus(t *testing.T) {
	t.Parallel()

	st, err := newStatus(context.Background(), config.Suspend{})
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = newStatus(context.Background(), config.Suspend{Kind: "switch", Options: config.Options{"suspended": true}})
	require.NoError(t, err)
	on, err := st.Suspended(context.Background())
	require.NoError(t, err)
	assert.True(t, on)

	_, err = newStatus(context.Background(), config.Suspend{Kind: "etcd", Options: config.Options{}})
	assert.ErrorContains(t, err, "unsupported suspend.kind=etcd")
}

func TestRunFlags_Apply(t *testing.T) {
	t.Parallel()

	p := config.Pipeline{
		Metrics: config.Metrics{Backend: "none"},
		Runtime: config.Runtime{Workers: 1},
		Log:     config.Log{Level: "info"},
	}
	runFlags{metricsBackend: "pushgateway", pushgatewayURL: "http://gw:9091", workers: 4, verbose: true}.apply(&p)
	assert.Equal(t, "pushgateway", p.Metrics.Backend)
	assert.Equal(t, "http://gw:9091", p.Metrics.PushgatewayURL)
	assert.Equal(t, 4, p.Runtime.Workers)
	assert.Equal(t, "debug", p.Log.Level)

	runFlags{}.apply(&p)
	assert.Equal(t, "pushgateway", p.Metrics.Backend, "empty flags keep the file's setting")
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	good := writeTemp(t, "good.yaml", `
job: people-feed
tasks:
  - name: people
    source: {kind: csv, options: {path: people.csv}}
    defaults: {index: people}
sink: {kind: ndjson}
`)
	var stdout, stderr bytes.Buffer
	rc := newRootCommand(&stdout, &stderr)
	rc.SetArgs([]string{"validate", "--config", good})
	require.NoError(t, rc.Execute())
	assert.Contains(t, stdout.String(), "configuration is valid: "+good)
	assert.Empty(t, stderr.String())

	bad := writeTemp(t, "bad.yaml", "tasks: []\nsink: {kind: ndjson}\n")
	stdout.Reset()
	stderr.Reset()
	rc = newRootCommand(&stdout, &stderr)
	rc.SetArgs([]string{"validate", "-c", bad})
	assert.ErrorContains(t, rc.Execute(), "configuration is invalid")
	assert.Contains(t, stderr.String(), "error: job: job must not be empty")
	assert.Contains(t, stderr.String(), "error: tasks: at least one task is required")
}

func TestKindsCommand(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	rc := newRootCommand(&stdout, &bytes.Buffer{})
	rc.SetArgs([]string{"kinds"})
	require.NoError(t, rc.Execute())
	assert.Contains(t, stdout.String(), "source   csv, sql")
	assert.Contains(t, stdout.String(), "sink     http, mongo, ndjson, postgres")
	assert.Contains(t, stdout.String(), "suspend  file, redis, switch")
}
