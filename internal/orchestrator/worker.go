package orchestrator

import (
	"context"
	"sync"
	"time"
)

// WorkerConfig sets the loop cadence.
type WorkerConfig struct {
	SchedulerInterval time.Duration
	RunnerInterval    time.Duration
	// Lookahead extends the scheduler threshold past now so rows exist
	// before they fall due.
	Lookahead time.Duration
}

// Worker drives the scheduler and runner loops, plus any extra loops such
// as the maintenance sweep.
type Worker struct {
	scheduler *Scheduler
	runner    *Runner
	cfg       WorkerConfig
	extra     []*Loop
	now       func() time.Time
}

func NewWorker(scheduler *Scheduler, runner *Runner, cfg WorkerConfig) *Worker {
	return &Worker{scheduler: scheduler, runner: runner, cfg: cfg, now: time.Now}
}

// AddLoop registers another periodic job.
func (w *Worker) AddLoop(l *Loop) {
	w.extra = append(w.extra, l)
}

// SchedulerPass is the scheduler loop body.
func (w *Worker) SchedulerPass(ctx context.Context) error {
	_, err := w.scheduler.ScheduleActions(ctx, w.now().Add(w.cfg.Lookahead))
	return err
}

// RunnerPass is the runner loop body. It always runs in safe mode.
func (w *Worker) RunnerPass(ctx context.Context) error {
	_, err := w.runner.RunScheduledActions(ctx, w.now(), "", true)
	return err
}

// Run blocks until ctx is cancelled and every loop has stopped.
func (w *Worker) Run(ctx context.Context) {
	loops := append([]*Loop{
		NewLoop("scheduler", w.cfg.SchedulerInterval, w.SchedulerPass),
		NewLoop("runner", w.cfg.RunnerInterval, w.RunnerPass),
	}, w.extra...)

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}
	wg.Wait()
}
