package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/events"
)

// PassFunc is one pass of a periodic job.
type PassFunc func(ctx context.Context) error

// Loop runs a pass on every tick. A tick that arrives while the previous
// pass is still running is skipped, never queued.
type Loop struct {
	name     string
	interval time.Duration
	pass     PassFunc

	// sem holds one token while a pass is running.
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewLoop(name string, interval time.Duration, pass PassFunc) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		pass:     pass,
		sem:      make(chan struct{}, 1),
	}
}

// Run ticks until ctx is cancelled, then waits for the pass in flight.
// The first pass starts immediately.
func (l *Loop) Run(ctx context.Context) {
	events.Emit("info", "loop.started", l.name, map[string]interface{}{
		"interval": l.interval.String(),
	})

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			events.Emit("info", "loop.stopped", l.name, nil)
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if !l.acquire() {
		events.Emit("warn", "loop.skipped", l.name, nil)
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.release()
		l.runPass(ctx)
	}()
}

// TryRun runs one pass synchronously. It reports false without running
// when a pass is already in flight.
func (l *Loop) TryRun(ctx context.Context) bool {
	if !l.acquire() {
		events.Emit("warn", "loop.skipped", l.name, nil)
		return false
	}
	defer l.release()
	l.runPass(ctx)
	return true
}

func (l *Loop) acquire() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *Loop) release() {
	<-l.sem
}

func (l *Loop) runPass(ctx context.Context) {
	if err := l.pass(ctx); err != nil && ctx.Err() == nil {
		events.Emit("error", "loop.error", l.name, map[string]interface{}{
			"error": err.Error(),
		})
	}
}
