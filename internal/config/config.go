// Package config defines the pipeline file model for docfeed.
//
// A pipeline file (JSON, YAML or TOML) names a job, a queue of tasks each
// with its own row source, and the shared document, dispatch, sink, suspend,
// runtime, metrics and log settings. Load reads it through viper, so any
// scalar can be overridden from the environment with the DOCFEED_ prefix,
// e.g. DOCFEED_RUNTIME_WORKERS=8.
//
// Example (YAML, trimmed):
//
//	job: people-feed
//	tasks:
//	  - name: people
//	    source: { kind: sql, options: { driver: pgx, dsn: "postgres://...", statement: "SELECT ..." } }
//	    defaults: { index: people }
//	dispatch: { batch_size: 500, max_concurrent: 4 }
//	sink: { kind: http, options: { url: "http://localhost:9200" } }
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Pipeline is the top-level object of a pipeline file.
type Pipeline struct {
	// Job labels logs and metrics for the whole run.
	Job string `mapstructure:"job" json:"job"`

	// Tasks run in order on the worker pool.
	Tasks []Task `mapstructure:"tasks" json:"tasks"`

	Document Document `mapstructure:"document" json:"document"`
	Dispatch Dispatch `mapstructure:"dispatch" json:"dispatch"`

	// Sink is the default destination; a task may override it.
	Sink Plugin `mapstructure:"sink" json:"sink"`

	Suspend Suspend `mapstructure:"suspend" json:"suspend"`
	Runtime Runtime `mapstructure:"runtime" json:"runtime"`
	Metrics Metrics `mapstructure:"metrics" json:"metrics"`
	Log     Log     `mapstructure:"log" json:"log"`
	Control Control `mapstructure:"control" json:"control"`
}

// Plugin selects a registered implementation and its options.
type Plugin struct {
	Kind    string  `mapstructure:"kind" json:"kind"`
	Options Options `mapstructure:"options" json:"options"`
}

// Task is one source streamed into the sink.
type Task struct {
	Name   string `mapstructure:"name" json:"name"`
	Source Plugin `mapstructure:"source" json:"source"`

	// Defaults apply when rows carry no _optype, _index or _type column.
	Defaults Defaults `mapstructure:"defaults" json:"defaults"`

	// Sink overrides Pipeline.Sink when its kind is set.
	Sink Plugin `mapstructure:"sink" json:"sink"`
}

// Defaults are per-task fallbacks for identity control columns.
type Defaults struct {
	Op    string `mapstructure:"op" json:"op"`
	Index string `mapstructure:"index" json:"index"`
	Type  string `mapstructure:"type" json:"type"`
}

// Document configures how rows fold into documents.
type Document struct {
	// Identity lists extra control columns (e.g. _parent, _routing) whose
	// change closes the open document.
	Identity []string `mapstructure:"identity" json:"identity"`

	// SkipConflicts logs and skips rows that fail to merge.
	SkipConflicts bool `mapstructure:"skip_conflicts" json:"skip_conflicts"`

	// Digest attaches a content digest to every document.
	Digest bool `mapstructure:"digest" json:"digest"`

	// Separator splits "name[]" columns. Default ",".
	Separator string `mapstructure:"separator" json:"separator"`

	// ParseJSON merges string values holding JSON objects as nested objects.
	ParseJSON bool `mapstructure:"parse_json" json:"parse_json"`
}

// Dispatch configures batching and the write-concurrency ceiling.
type Dispatch struct {
	BatchSize     int `mapstructure:"batch_size" json:"batch_size"`
	MaxConcurrent int `mapstructure:"max_concurrent" json:"max_concurrent"`

	// SharedLimiter makes MaxConcurrent a ceiling across all workers instead
	// of per task.
	SharedLimiter bool `mapstructure:"shared_limiter" json:"shared_limiter"`

	WaitInterval time.Duration `mapstructure:"wait_interval" json:"wait_interval"`
	MaxTimeouts  int           `mapstructure:"max_timeouts" json:"max_timeouts"`
	SinkRetries  int           `mapstructure:"sink_retries" json:"sink_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" json:"retry_delay"`
}

// Suspend selects the external suspension status source. An empty kind
// disables the suspension loop.
type Suspend struct {
	Kind         string        `mapstructure:"kind" json:"kind"`
	Options      Options       `mapstructure:"options" json:"options"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
}

// Runtime controls the worker pool and scheduling.
type Runtime struct {
	Workers int `mapstructure:"workers" json:"workers"`

	// Schedule is a cron expression; when set, the job repeats on it.
	Schedule string `mapstructure:"schedule" json:"schedule"`

	// MetricsInterval is how often per-pipeline counters are published.
	// Zero publishes only at the end of each task.
	MetricsInterval time.Duration `mapstructure:"metrics_interval" json:"metrics_interval"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is "pushgateway", "datadog" or "none".
	Backend        string   `mapstructure:"backend" json:"backend"`
	PushgatewayURL string   `mapstructure:"pushgateway_url" json:"pushgateway_url"`
	DatadogAddr    string   `mapstructure:"datadog_addr" json:"datadog_addr"`
	Namespace      string   `mapstructure:"namespace" json:"namespace"`
	Tags           []string `mapstructure:"tags" json:"tags"`
}

// Log configures logrus.
type Log struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level" json:"level"`
	// Format is text or json.
	Format string `mapstructure:"format" json:"format"`
}

// Control enables the HTTP status endpoint when Addr is set.
type Control struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// SinkFor returns the task's sink, falling back to the pipeline default.
func (p Pipeline) SinkFor(t Task) Plugin {
	if strings.TrimSpace(t.Sink.Kind) != "" {
		return t.Sink
	}
	return p.Sink
}

// Options is a free-form option bag for a plugin. Accessors perform minimal
// coercion and return def when a key is absent or of an unexpected type.
// Keys are lower case when loaded through viper.
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def. The strings "true" and "false"
// are accepted for values that came from the environment.
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Int returns the integer value for key or def. JSON numbers arrive as
// float64, YAML as int and TOML as int64.
func (o Options) Int(key string, def int) int {
	switch n := o[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Duration returns a duration for key or def. Strings use time.ParseDuration
// ("1m30s"); bare numbers are seconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	switch v := o[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case time.Duration:
		return v
	}
	return def
}

// Rune returns the first rune of a string value, or def.
func (o Options) Rune(key string, def rune) rune {
	if s, ok := o[key].(string); ok && len(s) > 0 {
		return []rune(s)[0]
	}
	return def
}

// StringMap returns the string entries of an object value. Returns an empty
// map when the key is absent.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	switch m := o[key].(type) {
	case map[string]any:
		for k, vv := range m {
			if s, ok := vv.(string); ok {
				res[k] = s
			}
		}
	case map[string]string:
		for k, s := range m {
			res[k] = s
		}
	}
	return res
}

// StringSlice returns a list of strings for key. A single string yields a
// one-element slice; non-string elements are skipped.
func (o Options) StringSlice(key string) []string {
	switch vv := o[key].(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	case string:
		return []string{vv}
	}
	return nil
}

// Slice returns a list value as-is, or a one-element slice for a scalar.
func (o Options) Slice(key string) []any {
	switch vv := o[key].(type) {
	case nil:
		return nil
	case []any:
		return vv
	default:
		return []any{vv}
	}
}

// Any returns the raw value for key, or nil.
func (o Options) Any(key string) any {
	return o[key]
}

// UnmarshalJSON decodes a missing or null object into an empty, non-nil map.
func (o *Options) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal(b, &tmp); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	*o = Options(tmp)
	return nil
}
