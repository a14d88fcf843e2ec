package main

// This file wires a loaded pipeline file into running parts: the metrics
// backend, the suspension status, one pipeline per task and the orchestrator
// (optionally on a cron schedule). It depends only on the registries; the
// concrete sources, sinks and statuses come in through the blank imports in
// main.go.

import (
	"context"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"docfeed/internal/boundary"
	"docfeed/internal/config"
	"docfeed/internal/control"
	"docfeed/internal/dispatch"
	"docfeed/internal/document"
	"docfeed/internal/logging"
	"docfeed/internal/merge"
	"docfeed/internal/metrics"
	"docfeed/internal/metrics/datadog"
	"docfeed/internal/metrics/prompush"
	"docfeed/internal/orchestrator"
	"docfeed/internal/pipeline"
	"docfeed/internal/sink"
	"docfeed/internal/source"
	"docfeed/internal/suspend"
)

const defaultPushgatewayURL = "http://localhost:9091"

// run executes the job once, or repeatedly when runtime.schedule is set,
// until ctx is cancelled.
func run(ctx context.Context, p config.Pipeline) error {
	if err := logging.Configure(p.Log); err != nil {
		return err
	}

	b, err := newMetricsBackend(p.Metrics, p.Job)
	if err != nil {
		log.Warnf("metrics: %v; metrics disabled", err)
	} else if b != nil {
		metrics.SetBackend(b)
		defer func() {
			if err := metrics.Flush(); err != nil {
				log.Warnf("metrics: flush error: %v", err)
			}
			if c, ok := b.(io.Closer); ok {
				_ = c.Close()
			}
		}()
	}

	status, err := newStatus(ctx, p.Suspend)
	if err != nil {
		return err
	}
	if c, ok := status.(io.Closer); ok {
		defer c.Close()
	}

	tasks, err := buildTasks(p)
	if err != nil {
		return err
	}
	ocfg := orchestrator.Config{
		Job:             p.Job,
		Workers:         p.Runtime.Workers,
		MetricsInterval: p.Runtime.MetricsInterval,
		Status:          status,
		PollInterval:    p.Suspend.PollInterval,
	}

	var ctl *control.Server
	if addr := strings.TrimSpace(p.Control.Addr); addr != "" {
		sw, _ := status.(*suspend.Switch)
		ctl = control.NewServer(control.Config{Addr: addr}, sw)
		ctlCtx, stopCtl := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := ctl.Run(ctlCtx); err != nil {
				log.Errorf("control: %v", err)
			}
		}()
		defer func() {
			stopCtl()
			<-done
		}()
	}

	once := func(ctx context.Context) error {
		_, err := runOnce(ctx, ocfg, tasks, ctl)
		return err
	}
	if strings.TrimSpace(p.Runtime.Schedule) == "" {
		return once(ctx)
	}

	s, err := orchestrator.NewScheduler(p.Runtime.Schedule, once)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// runOnce drains the task queue on a fresh orchestrator. Cancelling ctx
// aborts the active pipelines. ctl may be nil.
func runOnce(ctx context.Context, cfg orchestrator.Config, tasks []orchestrator.Task, ctl *control.Server) ([]orchestrator.Result, error) {
	o := orchestrator.New(cfg)
	if ctl != nil {
		ctl.Attach(o)
	}
	stop := context.AfterFunc(ctx, o.Shutdown)
	defer stop()
	return o.Run(ctx, tasks)
}

// buildTasks resolves every task up front so configuration mistakes surface
// before the first row is read. Sources and sinks open lazily per task.
func buildTasks(p config.Pipeline) ([]orchestrator.Task, error) {
	var limiter *dispatch.Limiter
	if p.Dispatch.SharedLimiter {
		limiter = dispatch.NewLimiter(p.Dispatch.MaxConcurrent)
	}

	tasks := make([]orchestrator.Task, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		op, err := document.ParseOpType(t.Defaults.Op, document.OpIndex)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.Name, err)
		}
		cfg := pipeline.Config{
			Job:  p.Job,
			Task: t.Name,
			Detector: boundary.Options{
				Defaults:      document.Meta{Op: op, Index: t.Defaults.Index, Type: t.Defaults.Type},
				Identity:      p.Document.Identity,
				SkipConflicts: p.Document.SkipConflicts,
				Digest:        p.Document.Digest,
				Merge: merge.Options{
					Separator: p.Document.Separator,
					ParseJSON: p.Document.ParseJSON,
				},
			},
			Dispatch: dispatchConfig(t.Name, p.Dispatch, limiter),
		}
		tasks = append(tasks, orchestrator.Task{
			Name: t.Name,
			Open: opener(t.Source, p.SinkFor(t), cfg),
		})
	}
	return tasks, nil
}

func opener(src, snk config.Plugin, cfg pipeline.Config) func(context.Context) (*pipeline.Pipeline, error) {
	return func(ctx context.Context) (*pipeline.Pipeline, error) {
		s, err := source.New(ctx, src.Kind, src.Options)
		if err != nil {
			return nil, err
		}
		k, err := sink.New(ctx, snk.Kind, snk.Options)
		if err != nil {
			if c, ok := s.(io.Closer); ok {
				_ = c.Close()
			}
			return nil, err
		}
		return pipeline.New(s, k, cfg), nil
	}
}

func dispatchConfig(name string, d config.Dispatch, limiter *dispatch.Limiter) dispatch.Config {
	retries := uint(0)
	if d.SinkRetries > 0 {
		retries = uint(d.SinkRetries)
	}
	return dispatch.Config{
		Name:          name,
		BatchSize:     d.BatchSize,
		MaxConcurrent: d.MaxConcurrent,
		Limiter:       limiter,
		WaitInterval:  d.WaitInterval,
		MaxTimeouts:   d.MaxTimeouts,
		SinkRetries:   retries,
		RetryDelay:    d.RetryDelay,
	}
}

// newStatus returns nil when no suspension kind is configured.
func newStatus(ctx context.Context, s config.Suspend) (suspend.Status, error) {
	if strings.TrimSpace(s.Kind) == "" {
		return nil, nil
	}
	return suspend.New(ctx, s.Kind, s.Options)
}

// newMetricsBackend returns nil for "none" and for unknown backends.
func newMetricsBackend(m config.Metrics, job string) (metrics.Backend, error) {
	switch name := strings.ToLower(strings.TrimSpace(m.Backend)); name {
	case "pushgateway":
		url := m.PushgatewayURL
		if url == "" {
			url = defaultPushgatewayURL
		}
		b, err := prompush.NewBackend(job, url)
		if err != nil {
			return nil, err
		}
		log.Infof("metrics: url=%v, backend=%v, job_name=%v", url, name, job)
		return b, nil

	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       m.DatadogAddr,
			Namespace:  m.Namespace,
			GlobalTags: append(append([]string(nil), m.Tags...), "job:"+job),
		})
		if err != nil {
			return nil, err
		}
		log.Infof("metrics: addr=%v, backend=%v, job_name=%v", m.DatadogAddr, name, job)
		return b, nil

	case "", "none":
		log.Debugf("metrics: disabled (backend=%q)", name)
		return nil, nil

	default:
		log.Warnf("metrics: unknown backend %q; metrics disabled", name)
		return nil, nil
	}
}
