/*
scheduler.go - Cron trigger for the daily batch run

PURPOSE:
  Fires Runner.Run once per cron tick (default "0 1 * * *", 01:00 daily)
  with today's date in the scheduler's location. A tick that lands while a
  run is still in progress is logged and dropped.

USAGE:
  s, err := batch.NewScheduler(runner, "0 1 * * *", log)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - runner.go: The run itself
  - api/handlers.go: TriggerRun endpoint (manual run)
*/
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/delinquency-engine/generic"
)

type Scheduler struct {
	Runner   *Runner
	Spec     string
	Location *time.Location
	Log      logrus.FieldLogger

	cron    *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// NewScheduler validates spec (standard 5-field cron syntax) and returns a
// stopped scheduler running in UTC.
func NewScheduler(runner *Runner, spec string, log logrus.FieldLogger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{Runner: runner, Spec: spec, Location: time.UTC, Log: log}, nil
}

// Start registers the job and starts the cron loop. Calling Start twice is
// a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithLocation(s.Location))
	id, err := s.cron.AddFunc(s.Spec, s.tick)
	if err != nil {
		s.cancel()
		return fmt.Errorf("schedule batch run: %w", err)
	}
	s.entry = id
	s.cron.Start()
	s.started = true

	s.Log.WithFields(logrus.Fields{"spec": s.Spec, "next_run": s.NextRun()}).Info("batch scheduler started")
	return nil
}

// Stop cancels the in-flight run, so no new installment is picked up, and
// waits for workers to finish the ones they hold.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	s.Log.Info("batch scheduler stopped")
}

// NextRun returns when the job fires next, or the zero time when stopped.
func (s *Scheduler) NextRun() time.Time {
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// RunNow runs the batch synchronously for today, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (*Report, error) {
	return s.Runner.Run(ctx, s.today())
}

func (s *Scheduler) tick() {
	report, err := s.Runner.Run(s.ctx, s.today())
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.Log.Warn("scheduled batch run skipped: previous run still in progress")
	case err != nil:
		s.Log.WithError(err).Error("scheduled batch run failed")
	default:
		s.Log.WithFields(logrus.Fields{"run_id": report.RunID, "charged": report.Charged}).Info("scheduled batch run done")
	}
}

func (s *Scheduler) today() generic.Date {
	return generic.DateOf(time.Now().In(s.Location))
}
