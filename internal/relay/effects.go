package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/kernel"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
)

// Effects adapts the controller to the kernel's outbound operations,
// resolving relays from the role triple of each operation.
type Effects struct {
	c *Controller
}

var _ kernel.Effects = Effects{}

func (c *Controller) Effects() Effects {
	return Effects{c: c}
}

func (e Effects) SendMessage(ctx context.Context, trip *storage.Trip, op script.SendMessage) error {
	r, ok, err := e.relayFor(ctx, trip, op.ToRole, op.WithRole, op.AsRole)
	if err != nil || !ok {
		return err
	}
	return e.c.SendMessage(ctx, r, trip, op.Body, op.MediaURL)
}

func (e Effects) InitiateCall(ctx context.Context, trip *storage.Trip, op script.InitiateCall) error {
	r, ok, err := e.relayFor(ctx, trip, op.ToRole, op.WithRole, op.AsRole)
	if err != nil || !ok {
		return err
	}
	return e.c.InitiateCall(ctx, r, trip, op.DetectVoicemail)
}

func (e Effects) relayFor(ctx context.Context, trip *storage.Trip, toRole, withRole, asRole string) (*storage.Relay, bool, error) {
	if toRole == "" || asRole == "" {
		return nil, false, fmt.Errorf("operation needs to and as roles")
	}
	player, err := e.c.store.FindPlayerByRole(ctx, trip.ID, toRole)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && player.PhoneNumber == "") {
		events.EmitTrip(trip.ID, "warn", "relay.no_player", "no phone number for role", map[string]interface{}{
			"role": toRole,
		})
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find player: %w", err)
	}

	r, err := e.c.EnsureRelay(ctx, trip, Spec{
		OrgID:          trip.OrgID,
		ExperienceID:   trip.ExperienceID,
		TripID:         trip.ID,
		ForRole:        toRole,
		WithRole:       withRole,
		AsRole:         asRole,
		ForPhoneNumber: player.PhoneNumber,
	}, "")
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}
