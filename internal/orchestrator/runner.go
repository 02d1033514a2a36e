package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/alerts"
	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/kernel"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
)

// Applier is the kernel entry point the runner drives.
type Applier interface {
	Apply(ctx context.Context, tripID string, payload script.Payload, opts kernel.ApplyOptions) (*kernel.Result, error)
}

// Runner executes due rows of the actions table in (scheduled_at, id) order.
type Runner struct {
	store    *storage.Client
	applier  Applier
	reporter alerts.Reporter
	now      func() time.Time
}

// NewRunner wires a runner. reporter may be nil.
func NewRunner(store *storage.Client, applier Applier, reporter alerts.Reporter) *Runner {
	return &Runner{store: store, applier: applier, reporter: reporter, now: time.Now}
}

// RunPassResult summarises one pass.
type RunPassResult struct {
	Applied int
	Failed  int
}

// RunScheduledActions applies every pending row due by threshold, optionally
// limited to one trip. With safeMode a failing row is logged, reported and
// marked failed and the pass continues; without it the first failure is
// returned and the row stays pending.
func (r *Runner) RunScheduledActions(ctx context.Context, threshold time.Time, tripID string, safeMode bool) (RunPassResult, error) {
	var result RunPassResult

	due, err := r.store.ListDueActions(ctx, threshold, tripID)
	if err != nil {
		return result, fmt.Errorf("list due actions: %w", err)
	}

	for i := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		row := &due[i]

		if err := r.runOne(ctx, row); err != nil {
			if !safeMode {
				return result, fmt.Errorf("action %d (%s %s): %w", row.ID, row.Type, row.Name, err)
			}
			result.Failed++
			r.fail(ctx, row, err)
			continue
		}

		ok, err := r.store.MarkApplied(ctx, row.ID, r.now().UTC())
		if err != nil {
			return result, fmt.Errorf("mark action %d applied: %w", row.ID, err)
		}
		if !ok {
			events.EmitTrip(row.TripID, "warn", "runner.mark_conflict", "action already marked", map[string]interface{}{
				"action_id": row.ID,
			})
			continue
		}
		result.Applied++
		events.EmitTrip(row.TripID, "info", "runner.action_applied", row.Name, map[string]interface{}{
			"action_id": row.ID,
			"type":      string(row.Type),
		})
	}

	if result.Applied > 0 || result.Failed > 0 {
		events.Emit("info", "runner.pass", "", map[string]interface{}{
			"applied": result.Applied,
			"failed":  result.Failed,
		})
	}
	return result, nil
}

func (r *Runner) runOne(ctx context.Context, row *storage.ScheduledAction) error {
	payload, err := payloadFor(row)
	if err != nil {
		return err
	}
	opts := kernel.ApplyOptions{PlayerID: row.TriggeringPlayerID, At: row.ScheduledAt}
	_, err = r.applier.Apply(ctx, row.TripID, payload, opts)
	return err
}

// payloadFor builds the typed payload of a stored row.
func payloadFor(row *storage.ScheduledAction) (script.Payload, error) {
	switch row.Type {
	case storage.ActionTypeAction:
		return script.Action{Name: row.Name, Params: row.Params}, nil
	case storage.ActionTypeEvent:
		e := script.DecodeEvent(row.Event)
		if e == nil {
			e = &script.Event{Type: row.Name, Fields: row.Params}
		}
		return *e, nil
	case storage.ActionTypeTrigger:
		return script.Trigger{Name: row.Name, Event: script.DecodeEvent(row.Event)}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", row.Type)
	}
}

func (r *Runner) fail(ctx context.Context, row *storage.ScheduledAction, cause error) {
	fields := map[string]interface{}{
		"action_id": row.ID,
		"type":      string(row.Type),
		"name":      row.Name,
		"error":     cause.Error(),
	}
	events.EmitTrip(row.TripID, "error", "runner.action_failed", cause.Error(), fields)
	if r.reporter != nil {
		r.reporter.Report(alerts.AlertActionFailed, alerts.SeverityWarning, row.TripID,
			fmt.Sprintf("action %d failed", row.ID), fields)
	}

	ok, err := r.store.MarkFailed(ctx, row.ID, r.now().UTC(), cause.Error())
	if err != nil {
		events.EmitTrip(row.TripID, "error", "system.error", "mark failed", map[string]interface{}{
			"action_id": row.ID,
			"error":     err.Error(),
		})
		return
	}
	if !ok {
		events.EmitTrip(row.TripID, "warn", "runner.mark_conflict", "action already marked", map[string]interface{}{
			"action_id": row.ID,
		})
	}
}
