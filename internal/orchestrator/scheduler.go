package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Scheduler runs a job on a cron schedule. A tick that arrives while the
// previous run is still going is skipped.
type Scheduler struct {
	cron *cron.Cron
	job  cron.Job
	ctx  context.Context
}

// NewScheduler parses spec (standard five fields or a descriptor such as
// "@hourly" or "@every 10m") and prepares run to be called on each tick.
func NewScheduler(spec string, run func(ctx context.Context) error) (*Scheduler, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	logger := cron.PrintfLogger(log.StandardLogger())
	s := &Scheduler{
		cron: cron.New(cron.WithLogger(logger)),
		ctx:  context.Background(),
	}
	s.job = cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		start := time.Now()
		log.Infof("scheduler: run started")
		if err := run(s.ctx); err != nil {
			log.Errorf("scheduler: run failed after %s: %v", time.Since(start).Truncate(time.Millisecond), err)
			return
		}
		log.Infof("scheduler: run finished in %s", time.Since(start).Truncate(time.Millisecond))
	}))
	s.cron.Schedule(sched, s.job)
	return s, nil
}

// Next is the next activation after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Schedule.Next(now)
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	log.Infof("scheduler: started, next run at %s", s.Next(time.Now()).Format(time.RFC3339))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Infof("scheduler: stopped")
	return nil
}
