package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/kernel"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
)

// SnapshotLoader loads the evaluator's view of a trip.
type SnapshotLoader interface {
	Snapshot(ctx context.Context, tripID string, opts kernel.ApplyOptions) (*script.Snapshot, error)
}

// Scheduler materialises due time triggers into the actions table.
type Scheduler struct {
	store     *storage.Client
	snapshots SnapshotLoader
	evaluator script.Evaluator
	now       func() time.Time
}

func NewScheduler(store *storage.Client, snapshots SnapshotLoader, evaluator script.Evaluator) *Scheduler {
	return &Scheduler{store: store, snapshots: snapshots, evaluator: evaluator, now: time.Now}
}

// SchedulePassResult summarises one pass.
type SchedulePassResult struct {
	Trips    int
	Inserted int
	Failed   int
}

// ScheduleActions inserts a trigger row for every time trigger that falls
// due in (watermark, threshold] and has not fired, plus a start_scene
// action for trips that never ran. A trip's watermark moves to threshold in
// the same transaction as its rows. A failing trip is logged and skipped.
func (s *Scheduler) ScheduleActions(ctx context.Context, threshold time.Time) (SchedulePassResult, error) {
	var result SchedulePassResult

	trips, err := s.store.ListTripsToSchedule(ctx, threshold)
	if err != nil {
		return result, fmt.Errorf("list trips: %w", err)
	}

	for i := range trips {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		trip := &trips[i]
		result.Trips++

		n, err := s.scheduleTrip(ctx, trip, threshold)
		if err != nil {
			result.Failed++
			events.EmitTrip(trip.ID, "error", "scheduler.trip_failed", err.Error(), map[string]interface{}{
				"threshold": threshold.UTC().Format(time.RFC3339),
			})
			continue
		}
		result.Inserted += n
		if n > 0 {
			events.EmitTrip(trip.ID, "info", "scheduler.scheduled", "", map[string]interface{}{
				"count":     n,
				"threshold": threshold.UTC().Format(time.RFC3339),
			})
		}
	}

	if result.Inserted > 0 || result.Failed > 0 {
		events.Emit("info", "scheduler.pass", "", map[string]interface{}{
			"trips":    result.Trips,
			"inserted": result.Inserted,
			"failed":   result.Failed,
		})
	}
	return result, nil
}

func (s *Scheduler) scheduleTrip(ctx context.Context, trip *storage.Trip, threshold time.Time) (int, error) {
	now := s.now().UTC()
	snap, err := s.snapshots.Snapshot(ctx, trip.ID, kernel.ApplyOptions{At: now})
	if err != nil {
		return 0, err
	}

	var rows []storage.ScheduledAction

	if trip.LastScheduledAt == nil && trip.CurrentScene == "" {
		first, err := s.evaluator.FirstScene(snap)
		if err != nil {
			return 0, fmt.Errorf("first scene: %w", err)
		}
		if first != "" {
			rows = append(rows, storage.ScheduledAction{
				OrgID:       trip.OrgID,
				TripID:      trip.ID,
				Type:        storage.ActionTypeAction,
				Name:        script.StartSceneAction,
				Params:      map[string]interface{}{"scene_name": first},
				ScheduledAt: now,
			})
		}
	}

	timed, err := s.evaluator.TimedTriggers(snap)
	if err != nil {
		return 0, fmt.Errorf("timed triggers: %w", err)
	}
	due := dueTriggers(timed, trip.LastScheduledAt, threshold, trip.History)
	for _, tt := range due {
		at := tt.At
		if at.Before(now) {
			at = now
		}
		rows = append(rows, storage.ScheduledAction{
			OrgID:       trip.OrgID,
			TripID:      trip.ID,
			Type:        storage.ActionTypeTrigger,
			Name:        tt.Name,
			ScheduledAt: at,
		})
	}

	err = s.store.WithTx(ctx, func(tx *storage.Tx) error {
		for i := range rows {
			if err := tx.InsertAction(ctx, &rows[i]); err != nil {
				return fmt.Errorf("insert %s: %w", rows[i].Name, err)
			}
		}
		_, err := tx.AdvanceLastScheduled(ctx, trip.ID, threshold)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// dueTriggers keeps triggers with prev < t <= threshold that have not
// fired, ordered by intended time.
func dueTriggers(timed []script.TimedTrigger, prev *time.Time, threshold time.Time, history map[string]time.Time) []script.TimedTrigger {
	var due []script.TimedTrigger
	for _, tt := range timed {
		if prev != nil && !tt.At.After(*prev) {
			continue
		}
		if tt.At.After(threshold) {
			continue
		}
		if _, fired := history[tt.Name]; fired {
			continue
		}
		due = append(due, tt)
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].At.Before(due[j].At)
	})
	return due
}
