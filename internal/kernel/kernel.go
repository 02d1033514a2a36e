// Package kernel is the single entry point that applies an action, event or
// trigger to a trip: it loads a snapshot, asks the evaluator what to do, and
// applies the result without partial writes.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
)

// Effects performs the outbound side of result operations.
type Effects interface {
	SendMessage(ctx context.Context, trip *storage.Trip, op script.SendMessage) error
	InitiateCall(ctx context.Context, trip *storage.Trip, op script.InitiateCall) error
}

// ApplyOptions qualifies one application.
type ApplyOptions struct {
	// PlayerID is the participant whose input caused this, if any. It is
	// propagated to every follow-up action.
	PlayerID *string
	// At is the evaluation instant; zero means now.
	At time.Time
}

// Result reports what an application did.
type Result struct {
	Trip *storage.Trip
	// Clauses are the call-control clauses produced, in order.
	Clauses   []script.Clause
	Scheduled []storage.ScheduledAction
}

// Kernel applies evaluator results to trips.
type Kernel struct {
	store     *storage.Client
	evaluator script.Evaluator
	effects   Effects
	now       func() time.Time

	mu      sync.Mutex
	scripts map[string]*storage.Script
}

// New wires a kernel. effects may be nil when no outbound operation is
// expected, in which case such operations fail.
func New(store *storage.Client, evaluator script.Evaluator, effects Effects) *Kernel {
	return &Kernel{
		store:     store,
		evaluator: evaluator,
		effects:   effects,
		now:       time.Now,
		scripts:   make(map[string]*storage.Script),
	}
}

// SetEffects replaces the effects implementation. The relay controller
// needs the kernel and the kernel needs the controller, so one of them is
// wired after construction.
func (k *Kernel) SetEffects(effects Effects) {
	k.effects = effects
}

// SetClock overrides the wall clock.
func (k *Kernel) SetClock(now func() time.Time) {
	k.now = now
}

func (k *Kernel) ApplyAction(ctx context.Context, tripID string, action script.Action, opts ApplyOptions) (*Result, error) {
	return k.apply(ctx, tripID, opts, "action.applied", action.Name, func(snap *script.Snapshot) (*script.Result, error) {
		return k.evaluator.ResultForAction(snap, action)
	})
}

func (k *Kernel) ApplyEvent(ctx context.Context, tripID string, event script.Event, opts ApplyOptions) (*Result, error) {
	return k.apply(ctx, tripID, opts, "event.applied", event.Type, func(snap *script.Snapshot) (*script.Result, error) {
		return k.evaluator.ResultForEvent(snap, event)
	})
}

func (k *Kernel) ApplyTrigger(ctx context.Context, tripID, name string, event *script.Event, opts ApplyOptions) (*Result, error) {
	return k.apply(ctx, tripID, opts, "trigger.fired", name, func(snap *script.Snapshot) (*script.Result, error) {
		return k.evaluator.ResultForTrigger(snap, name, event)
	})
}

// Apply dispatches a payload to the matching Apply method.
func (k *Kernel) Apply(ctx context.Context, tripID string, payload script.Payload, opts ApplyOptions) (*Result, error) {
	switch p := payload.(type) {
	case script.Action:
		return k.ApplyAction(ctx, tripID, p, opts)
	case script.Event:
		return k.ApplyEvent(ctx, tripID, p, opts)
	case script.Trigger:
		return k.ApplyTrigger(ctx, tripID, p.Name, p.Event, opts)
	default:
		return nil, fmt.Errorf("unsupported payload %T", payload)
	}
}

// Snapshot loads the trip graph at the given instant.
func (k *Kernel) Snapshot(ctx context.Context, tripID string, opts ApplyOptions) (*script.Snapshot, error) {
	trip, err := k.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	scr, err := k.script(ctx, trip.ScriptID)
	if err != nil {
		return nil, fmt.Errorf("load script %s: %w", trip.ScriptID, err)
	}
	players, err := k.store.ListPlayers(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	snap := &script.Snapshot{Trip: trip, Script: scr, Players: players, At: opts.At}
	if snap.At.IsZero() {
		snap.At = k.now().UTC()
	}
	if exp, err := k.store.GetExperience(ctx, trip.ExperienceID); err == nil {
		snap.Experience = exp
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load experience: %w", err)
	}
	if org, err := k.store.GetOrg(ctx, trip.OrgID); err == nil {
		snap.Org = org
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load org: %w", err)
	}
	if opts.PlayerID != nil {
		for i := range players {
			if players[i].ID == *opts.PlayerID {
				snap.Player = &players[i]
			}
		}
	}
	return snap, nil
}

// script rows are immutable per id, so they are cached for the process.
func (k *Kernel) script(ctx context.Context, id string) (*storage.Script, error) {
	k.mu.Lock()
	s, ok := k.scripts[id]
	k.mu.Unlock()
	if ok {
		return s, nil
	}
	s, err := k.store.GetScript(ctx, id)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.scripts[id] = s
	k.mu.Unlock()
	return s, nil
}

type evalFunc func(*script.Snapshot) (*script.Result, error)

func (k *Kernel) apply(ctx context.Context, tripID string, opts ApplyOptions, auditEvent, name string, eval evalFunc) (*Result, error) {
	snap, err := k.Snapshot(ctx, tripID, opts)
	if err != nil {
		return nil, err
	}
	res, err := eval(snap)
	if err != nil {
		return nil, fmt.Errorf("evaluate trip %s: %w", tripID, err)
	}

	out := &Result{Trip: snap.Trip.Clone()}
	players := make(map[string]map[string]interface{})
	if res != nil {
		for i, op := range res.Ops {
			if err := k.applyOp(ctx, snap, out, players, op); err != nil {
				return nil, fmt.Errorf("op %d (%T): %w", i, op, err)
			}
		}
		for _, f := range res.Scheduled {
			out.Scheduled = append(out.Scheduled, followupRow(snap, f, opts.PlayerID))
		}
	}

	err = k.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.UpdateTripState(ctx, out.Trip); err != nil {
			return fmt.Errorf("update trip: %w", err)
		}
		for playerID, values := range players {
			if err := tx.UpdatePlayerValues(ctx, playerID, values); err != nil {
				return fmt.Errorf("update player %s: %w", playerID, err)
			}
		}
		for i := range out.Scheduled {
			if err := tx.InsertAction(ctx, &out.Scheduled[i]); err != nil {
				return fmt.Errorf("schedule %s: %w", out.Scheduled[i].Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ops := 0
	if res != nil {
		ops = len(res.Ops)
	}
	events.EmitTrip(tripID, "info", auditEvent, name, map[string]interface{}{
		"ops":       ops,
		"scheduled": len(out.Scheduled),
		"scene":     out.Trip.CurrentScene,
	})
	return out, nil
}

func (k *Kernel) applyOp(ctx context.Context, snap *script.Snapshot, out *Result, players map[string]map[string]interface{}, op script.Op) error {
	trip := out.Trip
	switch o := op.(type) {
	case script.SetScene:
		trip.CurrentScene = o.Name
	case script.SetValues:
		for key, v := range o.Values {
			trip.Values[key] = v
		}
	case script.RecordTrigger:
		trip.History[o.Name] = snap.At
	case script.UpdatePlayer:
		p := snap.PlayerByRole(o.Role)
		if p == nil {
			return fmt.Errorf("no player for role %q", o.Role)
		}
		values, ok := players[p.ID]
		if !ok {
			values = make(map[string]interface{}, len(p.Values)+len(o.Values))
			for key, v := range p.Values {
				values[key] = v
			}
			players[p.ID] = values
		}
		for key, v := range o.Values {
			values[key] = v
		}
	case script.SendMessage:
		if k.effects == nil {
			return errors.New("no effects configured")
		}
		return k.effects.SendMessage(ctx, trip, o)
	case script.InitiateCall:
		if k.effects == nil {
			return errors.New("no effects configured")
		}
		return k.effects.InitiateCall(ctx, trip, o)
	case script.CallControl:
		out.Clauses = append(out.Clauses, o.Clause)
	case script.Log:
		events.EmitTrip(trip.ID, o.Level, "trip.log", o.Message, nil)
	default:
		return fmt.Errorf("unsupported op %T", op)
	}
	return nil
}

func followupRow(snap *script.Snapshot, f script.Followup, playerID *string) storage.ScheduledAction {
	at := f.At
	if at.IsZero() {
		at = snap.At
	}
	return storage.ScheduledAction{
		OrgID:              snap.Trip.OrgID,
		TripID:             snap.Trip.ID,
		Type:               f.Type,
		Name:               f.Name,
		Params:             f.Params,
		Event:              script.EncodeEvent(f.Event),
		TriggeringPlayerID: playerID,
		ScheduledAt:        at,
	}
}
