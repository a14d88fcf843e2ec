package config

// This file adds a linter for Pipeline values. It performs static checks over
// a decoded Pipeline and returns issues (errors and warnings) that the CLI
// prints before a run or on `docfeed validate`.

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue is a single finding. Path is a dotted path into the config, e.g.
// "tasks[1].source.kind".
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var (
	knownSources = map[string]struct{}{"sql": {}, "csv": {}}
	knownSinks   = map[string]struct{}{"ndjson": {}, "http": {}, "mongo": {}, "postgres": {}}
	knownSuspend = map[string]struct{}{"switch": {}, "file": {}, "redis": {}}
	knownOps     = map[string]struct{}{"": {}, "create": {}, "index": {}, "update": {}, "delete": {}}
	controlCols  = map[string]struct{}{
		"_optype": {}, "_index": {}, "_type": {}, "_id": {}, "_version": {}, "_routing": {},
		"_parent": {}, "_timestamp": {}, "_ttl": {}, "_source": {}, "_job": {},
	}
)

// ValidatePipeline lints p without mutating it.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it labels logs and metrics for the run",
		})
	}
	issues = append(issues, validateTasks(p)...)
	issues = append(issues, validateDocument(p.Document)...)
	issues = append(issues, validateDispatch(p.Dispatch)...)
	issues = append(issues, validateSuspend(p.Suspend)...)
	issues = append(issues, validateRuntime(p.Runtime)...)
	issues = append(issues, validateMetrics(p.Metrics)...)
	issues = append(issues, validateLog(p.Log)...)
	issues = append(issues, validateControl(p.Control, p.Suspend)...)
	return issues
}

func validateTasks(p Pipeline) []Issue {
	var issues []Issue
	if len(p.Tasks) == 0 {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "tasks",
			Message:  "at least one task is required",
		})
	}

	seen := map[string]int{}
	for i, t := range p.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		switch prev, dup := seen[name]; {
		case name == "":
			issues = append(issues, Issue{SeverityError, path + ".name", "task name must not be empty"})
		case dup:
			issues = append(issues, Issue{SeverityError, path + ".name", fmt.Sprintf("duplicate task name %q (also tasks[%d])", name, prev)})
		default:
			seen[name] = i
		}

		issues = append(issues, validatePlugin(path+".source", t.Source, knownSources)...)
		if _, ok := knownOps[strings.ToLower(t.Defaults.Op)]; !ok {
			issues = append(issues, Issue{SeverityError, path + ".defaults.op",
				fmt.Sprintf("unknown operation %q; use create, index, update or delete", t.Defaults.Op)})
		}

		snk := p.SinkFor(t)
		snkPath := "sink"
		if strings.TrimSpace(t.Sink.Kind) != "" {
			snkPath = path + ".sink"
		}
		if strings.TrimSpace(snk.Kind) == "" {
			issues = append(issues, Issue{SeverityError, snkPath + ".kind", "no sink configured for task " + name})
		} else if snkPath != "sink" {
			issues = append(issues, validatePlugin(snkPath, snk, knownSinks)...)
		}
		if snk.Kind != "" && strings.TrimSpace(t.Defaults.Index) == "" && snk.Kind != "postgres" {
			issues = append(issues, Issue{SeverityWarning, path + ".defaults.index",
				"no default index; every row must carry an _index column"})
		}
	}
	if strings.TrimSpace(p.Sink.Kind) != "" {
		issues = append(issues, validatePlugin("sink", p.Sink, knownSinks)...)
	}
	return issues
}

func validatePlugin(path string, pl Plugin, known map[string]struct{}) []Issue {
	kind := strings.ToLower(strings.TrimSpace(pl.Kind))
	if kind == "" {
		return []Issue{{SeverityError, path + ".kind", path + ".kind must not be empty"}}
	}
	if _, ok := known[kind]; !ok {
		return []Issue{{SeverityWarning, path + ".kind",
			fmt.Sprintf("unknown kind %q; ensure a matching implementation is registered", pl.Kind)}}
	}
	return nil
}

func validateDocument(d Document) []Issue {
	var issues []Issue
	for i, c := range d.Identity {
		if _, ok := controlCols[c]; !ok {
			issues = append(issues, Issue{SeverityWarning, fmt.Sprintf("document.identity[%d]", i),
				fmt.Sprintf("%q is not a control column; it will be ignored", c)})
		}
	}
	if strings.ContainsAny(d.Separator, ".[]") {
		issues = append(issues, Issue{SeverityError, "document.separator",
			"separator must not contain '.', '[' or ']'"})
	}
	return issues
}

func validateDispatch(d Dispatch) []Issue {
	var issues []Issue
	if d.BatchSize < 0 {
		issues = append(issues, Issue{SeverityError, "dispatch.batch_size", "batch_size must not be negative"})
	} else if d.BatchSize == 1 {
		issues = append(issues, Issue{SeverityWarning, "dispatch.batch_size", "batch_size=1 sends one request per document"})
	}
	if d.MaxConcurrent < 0 {
		issues = append(issues, Issue{SeverityError, "dispatch.max_concurrent", "max_concurrent must not be negative"})
	}
	if d.WaitInterval < 0 {
		issues = append(issues, Issue{SeverityError, "dispatch.wait_interval", "wait_interval must not be negative"})
	}
	if d.MaxTimeouts < 0 {
		issues = append(issues, Issue{SeverityError, "dispatch.max_timeouts", "max_timeouts must not be negative"})
	}
	if d.SinkRetries < 0 {
		issues = append(issues, Issue{SeverityError, "dispatch.sink_retries", "sink_retries must not be negative"})
	}
	if d.RetryDelay < 0 {
		issues = append(issues, Issue{SeverityError, "dispatch.retry_delay", "retry_delay must not be negative"})
	}
	return issues
}

func validateSuspend(s Suspend) []Issue {
	if strings.TrimSpace(s.Kind) == "" {
		return nil
	}
	issues := validatePlugin("suspend", Plugin{Kind: s.Kind}, knownSuspend)
	if s.PollInterval < 0 {
		issues = append(issues, Issue{SeverityError, "suspend.poll_interval", "poll_interval must not be negative"})
	}
	return issues
}

func validateRuntime(r Runtime) []Issue {
	var issues []Issue
	if r.Workers < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.workers", "workers must not be negative"})
	}
	if r.MetricsInterval < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.metrics_interval", "metrics_interval must not be negative"})
	}
	if s := strings.TrimSpace(r.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			issues = append(issues, Issue{SeverityError, "runtime.schedule", fmt.Sprintf("invalid cron expression: %v", err)})
		}
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	switch strings.ToLower(m.Backend) {
	case "", "none", "pushgateway":
		return nil
	case "datadog":
		if m.DatadogAddr == "" {
			return []Issue{{SeverityWarning, "metrics.datadog_addr", "datadog_addr is empty; the CLI flag must supply it"}}
		}
		return nil
	default:
		return []Issue{{SeverityWarning, "metrics.backend", fmt.Sprintf("unknown backend %q; metrics will be disabled", m.Backend)}}
	}
}

func validateLog(l Log) []Issue {
	var issues []Issue
	if l.Level != "" {
		if _, err := logrus.ParseLevel(l.Level); err != nil {
			issues = append(issues, Issue{SeverityError, "log.level", err.Error()})
		}
	}
	switch strings.ToLower(l.Format) {
	case "", "text", "json":
	default:
		issues = append(issues, Issue{SeverityError, "log.format", fmt.Sprintf("unknown format %q; use text or json", l.Format)})
	}
	return issues
}

func validateControl(c Control, s Suspend) []Issue {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		return nil
	}
	var issues []Issue
	if _, _, err := net.SplitHostPort(addr); err != nil {
		issues = append(issues, Issue{SeverityError, "control.addr", fmt.Sprintf("invalid listen address: %v", err)})
	}
	if !strings.EqualFold(s.Kind, "switch") {
		issues = append(issues, Issue{SeverityWarning, "control.addr",
			"suspend.kind is not \"switch\"; /suspend and /resume will be refused"})
	}
	return issues
}
