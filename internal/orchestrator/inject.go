package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
)

// ErrTripArchived is returned when injecting into an archived trip.
var ErrTripArchived = errors.New("trip is archived")

// Injection is an operator-supplied event for one trip.
type Injection struct {
	Event script.Event
	// PlayerRole, when set, names the player recorded as having caused it.
	PlayerRole string
	// At is when the event falls due; zero means now.
	At time.Time
	// Source names the surface it came through, e.g. "http" or "mqtt".
	Source string
}

// InjectEvent queues an event row so the runner applies it in order with
// everything else scheduled for the trip.
func InjectEvent(ctx context.Context, store *storage.Client, tripID string, in Injection) (*storage.ScheduledAction, error) {
	if in.Event.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	trip, err := store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	if trip.IsArchived {
		return nil, ErrTripArchived
	}

	at := in.At
	if at.IsZero() {
		at = time.Now()
	}
	row := &storage.ScheduledAction{
		OrgID:       trip.OrgID,
		TripID:      trip.ID,
		Type:        storage.ActionTypeEvent,
		Name:        in.Event.Type,
		Event:       script.EncodeEvent(&in.Event),
		ScheduledAt: at.UTC(),
	}
	if in.PlayerRole != "" {
		p, err := store.FindPlayerByRole(ctx, trip.ID, in.PlayerRole)
		if err != nil {
			return nil, fmt.Errorf("player %s: %w", in.PlayerRole, err)
		}
		row.TriggeringPlayerID = &p.ID
	}
	if err := store.InsertAction(ctx, row); err != nil {
		return nil, fmt.Errorf("queue event: %w", err)
	}

	events.EmitTrip(trip.ID, "info", "operator.inject", "", map[string]interface{}{
		"action_id": row.ID,
		"event":     in.Event.Type,
		"source":    in.Source,
	})
	return row, nil
}
